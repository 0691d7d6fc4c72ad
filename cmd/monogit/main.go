package main

import (
	"fmt"
	"os"

	logger "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const version = "0.1.0-dev"

func main() {
	logger.SetFormatter(&logger.TextFormatter{FullTimestamp: true})

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts globalOptions
	root := &cobra.Command{
		Use:           "monogit",
		Short:         "Monorepo Git hosting server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the TOML config file (default: built-in defaults)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newServeCmd(&opts))
	root.AddCommand(newInitCmd(&opts))
	root.AddCommand(newCreateFileCmd(&opts))
	root.AddCommand(newRefsCmd(&opts))
	root.AddCommand(newServiceCmd(&opts, "upload-pack"))
	root.AddCommand(newServiceCmd(&opts, "receive-pack"))
	root.AddCommand(newLsRemoteCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "monogit", version)
		},
	}
}
