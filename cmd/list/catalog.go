package list

import (
	"fmt"
	"io"
	"strings"

	"github.com/endorses/lippytap/internal/pkg/dissectors"
	"github.com/endorses/lippytap/internal/pkg/epan"
	"github.com/endorses/lippytap/internal/pkg/output"
	"github.com/endorses/lippytap/internal/pkg/stats"
	"github.com/endorses/lippytap/internal/pkg/tap"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "List statistics accepted by 'analyze -z'",
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeStats(cmd.OutOrStdout(), stats.Default(), jsonOutput)
	},
}

var tapsCmd = &cobra.Command{
	Use:   "taps",
	Short: "List tap points published by the built-in decoders",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, _, err := builtinTable()
		if err != nil {
			return err
		}
		return writeTaps(cmd.OutOrStdout(), reg, jsonOutput)
	},
}

var fieldsCmd = &cobra.Command{
	Use:   "fields [prefix]",
	Short: "List display filter fields",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, table, err := builtinTable()
		if err != nil {
			return err
		}
		prefix := ""
		if len(args) == 1 {
			prefix = args[0]
		}
		return writeFields(cmd.OutOrStdout(), table.Fields(), prefix, jsonOutput)
	},
}

type statEntry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type fieldEntry struct {
	Abbrev string `json:"abbrev"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Parent string `json:"parent,omitempty"`
}

func builtinTable() (*tap.Registry, *epan.DecoderTable, error) {
	reg := tap.NewRegistry(nil)
	table, err := dissectors.NewTable(reg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build decoder table: %w", err)
	}
	reg.SetFields(table.Fields())
	return reg, table, nil
}

func writeStats(w io.Writer, r *stats.Registry, asJSON bool) error {
	descs := r.Descriptors()
	entries := make([]statEntry, 0, len(descs))
	for _, d := range descs {
		entries = append(entries, statEntry{Name: d.Name, Description: d.Description})
	}
	if asJSON {
		return output.WriteJSON(w, entries)
	}
	for _, e := range entries {
		fmt.Fprintf(w, "  %-16s %s\n", e.Name, e.Description)
	}
	return nil
}

func writeTaps(w io.Writer, reg *tap.Registry, asJSON bool) error {
	points := reg.Points()
	if asJSON {
		return output.WriteJSON(w, points)
	}
	for _, p := range points {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

func writeFields(w io.Writer, fields *epan.FieldRegistry, prefix string, asJSON bool) error {
	var entries []fieldEntry
	for _, fi := range fields.All() {
		if prefix != "" && fi.Abbrev != prefix && !strings.HasPrefix(fi.Abbrev, prefix+".") {
			continue
		}
		entries = append(entries, fieldEntry{
			Abbrev: fi.Abbrev,
			Name:   fi.Name,
			Type:   fi.Type.String(),
			Parent: fields.Abbrev(fi.Parent),
		})
	}
	if asJSON {
		if entries == nil {
			entries = []fieldEntry{}
		}
		return output.WriteJSON(w, entries)
	}
	for _, e := range entries {
		fmt.Fprintf(w, "  %-32s %-9s %s\n", e.Abbrev, e.Type, e.Name)
	}
	return nil
}
