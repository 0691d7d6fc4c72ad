package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/odvcencio/monogit/pkg/monorepo"
)

func newCreateFileCmd(opts *globalOptions) *cobra.Command {
	var (
		info        monorepo.CreateFileInfo
		contentFile string
	)

	cmd := &cobra.Command{
		Use:   "create-file <dir> <name>",
		Short: "Commit a new file or directory into the monorepo",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			info.Path, info.Name = args[0], args[1]
			if contentFile != "" {
				if info.IsDirectory {
					return fmt.Errorf("--content-file cannot be used with --dir")
				}
				data, err := os.ReadFile(contentFile)
				if err != nil {
					return fmt.Errorf("read content: %w", err)
				}
				info.Content = string(data)
			}
			return withApp(opts, func(engine *monorepo.Engine) error {
				commitID, err := engine.CreateFile(cmd.Context(), info)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), commitID)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&info.IsDirectory, "dir", false, "create a directory instead of a file")
	cmd.Flags().StringVar(&info.Content, "content", "", "file content")
	cmd.Flags().StringVar(&contentFile, "content-file", "", "read file content from this path")
	return cmd
}
