package cmd

import (
	"fmt"

	"github.com/endorses/lippytap/internal/pkg/output"
	"github.com/endorses/lippytap/internal/pkg/version"
	"github.com/spf13/cobra"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !versionJSON {
			fmt.Fprintln(cmd.OutOrStdout(), "lippytap", version.GetFullVersion())
			return nil
		}
		return output.WriteJSON(cmd.OutOrStdout(), version.Get())
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "print as JSON")
}
