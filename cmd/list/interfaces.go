package list

import (
	"errors"
	"fmt"
	"io"

	"github.com/endorses/lippytap/internal/pkg/output"
	"github.com/endorses/lippytap/internal/pkg/pcapfile"
	"github.com/spf13/cobra"
)

var readFile string

var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "List the interfaces recorded in a capture file",
	Long:  `List the interface description blocks of a pcapng file. Plain pcap files carry no interface names.`,
	RunE:  runInterfaces,
}

func runInterfaces(cmd *cobra.Command, args []string) error {
	if readFile == "" {
		return errors.New("a capture file is required (-r)")
	}
	r, err := pcapfile.Open(readFile)
	if err != nil {
		return err
	}
	defer r.Close()
	return writeInterfaces(cmd.OutOrStdout(), r.Format(), r.Interfaces(), jsonOutput)
}

func writeInterfaces(w io.Writer, format pcapfile.Format, ifaces []pcapfile.Interface, asJSON bool) error {
	if asJSON {
		if ifaces == nil {
			ifaces = []pcapfile.Interface{}
		}
		return output.WriteJSON(w, ifaces)
	}
	if len(ifaces) == 0 {
		fmt.Fprintf(w, "No interfaces recorded (%s file).\n", format)
		return nil
	}
	for i, iface := range ifaces {
		fmt.Fprintf(w, "  %d: %s", i, iface.Name)
		if iface.Description != "" {
			fmt.Fprintf(w, " - %s", iface.Description)
		}
		fmt.Fprintf(w, " (%s)\n", iface.LinkType)
	}
	return nil
}

func init() {
	interfacesCmd.Flags().StringVarP(&readFile, "read", "r", "", "capture file to read")
}
