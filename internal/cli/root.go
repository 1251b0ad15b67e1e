package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func Root() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "bundle-gen",
		Short: "Generate and publish Hive operator bundles to the community operator catalogs",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging and surface subprocess output")
	cmd.AddCommand(
		Publish(),
	)
	return cmd
}
