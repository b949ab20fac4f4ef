package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// versionCmd represents the version command.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Mostra a versão do meltscan",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("meltscan %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  build:  %s\n", buildTime)
		fmt.Printf("  go:     %s\n", runtime.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
