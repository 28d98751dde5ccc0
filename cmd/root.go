package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/capture/internal/util"
	"github.com/babelcloud/gbox/packages/capture/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "gcapture",
	Short: "Capture, preview and record audio/video streams",
	Long: `gcapture runs a capture pipeline: frames from a capture source are shown on a
live preview and written, oriented and timestamped, to a movie file.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		// Logs go to stderr so command output stays clean on stdout
		util.InitLoggerTo(os.Stderr, verbose || util.IsVerbose())
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flag("version").Changed {
			fmt.Fprintln(cmd.OutOrStdout(), version.Short())
			return nil
		}
		return cmd.Help()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")

	rootCmd.AddCommand(NewRecordCommand())
	rootCmd.AddCommand(NewInspectCommand())
	rootCmd.AddCommand(NewVersionCommand())

	setupHelpCommand(rootCmd)
}
