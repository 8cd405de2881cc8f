package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Rysertio/screenstreaming/internal/util"
	"github.com/Rysertio/screenstreaming/internal/version"
)

var (
	verbose bool

	rootCmd = &cobra.Command{
		Use:   "screenstream",
		Short: "Stream a screen live to an RTMP server",
		Long: `screenstream captures an Android device screen (or the local desktop), encodes it with H.264 and publishes it live to an RTMP server.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.InitLogger(verbose)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flag("version").Changed {
				info := version.Current()
				fmt.Printf("screenstream version %s, build %s\n", info.Version, info.GitCommit)
				return nil
			}
			return cmd.Help()
		},
		SilenceUsage: true,
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")

	rootCmd.AddCommand(NewStreamCommand())
	rootCmd.AddCommand(NewDevicesCommand())
	rootCmd.AddCommand(NewServerCmd())
	rootCmd.AddCommand(NewVersionCommand())

	setupHelpCommand(rootCmd)
}
