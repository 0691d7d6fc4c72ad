package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/odvcencio/monogit/pkg/protocol"
)

// newServiceCmd runs one protocol service over stdin and stdout, the way
// sshd or git's local transport invoke git-upload-pack.
func newServiceCmd(opts *globalOptions, name string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <path>",
		Short: "Run git-" + name + " for a repository on stdin/stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := protocol.ParseServiceType("git-" + name)
			if err != nil {
				return err
			}
			return withApp(opts, func(backend *protocol.Backend) error {
				s := backend.NewSession(protocol.TransportLocal, args[0])
				return s.Serve(cmd.Context(), svc, os.Stdin, os.Stdout)
			})
		},
	}
}
