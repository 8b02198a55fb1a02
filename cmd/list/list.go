package list

import (
	"github.com/spf13/cobra"
)

// ListCmd is the base list command for listing resources.
var ListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resources",
	Long: `List the statistics, tap points, and filter fields lippytap knows about,
or the interfaces recorded in a capture file.

Subcommands:
  stats       - Statistics accepted by 'analyze -z'
  taps        - Tap points the built-in decoders publish
  fields      - Display filter fields
  interfaces  - Interfaces recorded in a pcapng file

Examples:
  lippytap list stats
  lippytap list fields --json
  lippytap list interfaces -r trace.pcapng`,
}

var jsonOutput bool

func init() {
	ListCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print as JSON")

	ListCmd.AddCommand(statsCmd)
	ListCmd.AddCommand(tapsCmd)
	ListCmd.AddCommand(fieldsCmd)
	ListCmd.AddCommand(interfacesCmd)
}
