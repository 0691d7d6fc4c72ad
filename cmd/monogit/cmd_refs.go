package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/odvcencio/monogit/pkg/config"
	"github.com/odvcencio/monogit/pkg/remote"
	"github.com/odvcencio/monogit/pkg/storage"
)

func newRefsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refs [path]",
		Short: "List the refs of a served repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repoPath := "/"
			if len(args) > 0 {
				repoPath = args[0]
			}
			return withApp(opts, func(cfg *config.Config, store *storage.Storage) error {
				repo, err := store.GetRepoByPath(cmd.Context(), cfg.NormalizeRepoPath(repoPath))
				if err != nil {
					return err
				}
				refs, err := store.ListRefs(cmd.Context(), repo.ID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, ref := range refs {
					fmt.Fprintf(out, "%s\t%s\t%s\n", ref.RefGitID, ref.RefName, ref.Kind)
				}
				return nil
			})
		},
	}
}

func newLsRemoteCmd() *cobra.Command {
	var opts remote.ClientOptions

	cmd := &cobra.Command{
		Use:   "ls-remote <url>",
		Short: "List the refs a smart HTTP server advertises",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := remote.NewClientWithOptions(args[0], opts)
			if err != nil {
				return err
			}
			adv, err := client.ListRefs(cmd.Context())
			if err != nil {
				return err
			}
			names := make([]string, 0, len(adv.Refs))
			for name := range adv.Refs {
				names = append(names, name)
			}
			sort.Strings(names)
			out := cmd.OutOrStdout()
			if adv.Head != "" {
				fmt.Fprintf(out, "ref: %s\tHEAD\n", adv.Head)
			}
			for _, name := range names {
				fmt.Fprintf(out, "%s\t%s\n", adv.Refs[name], name)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Token, "token", "", "bearer token")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "request timeout (default 60s)")
	return cmd
}
