package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odvcencio/monogit/pkg/monorepo"
)

func newInitCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the monorepo root with its top-level directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(engine *monorepo.Engine) error {
				head, err := engine.InitMonorepo(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is at %s\n", engine.DefaultRef(), head)
				return nil
			})
		},
	}
}
