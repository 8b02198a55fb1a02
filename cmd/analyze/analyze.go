package analyze

import (
	"errors"
	"fmt"
	"os"

	"github.com/endorses/lippytap/internal/pkg/cmdutil"
	"github.com/endorses/lippytap/internal/pkg/epan"
	"github.com/endorses/lippytap/internal/pkg/logger"
	"github.com/endorses/lippytap/internal/pkg/output"
	"github.com/endorses/lippytap/internal/pkg/signals"
	"github.com/endorses/lippytap/internal/pkg/statsprofile"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var AnalyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Dissect a capture file and run tap statistics over it",
	Long: `Dissect every frame of a pcap or pcapng file and feed the tap statistics
selected with -z. Reports are printed once the whole file has been read, or
when the pass is interrupted.

Statistics take an optional display filter after the name:
  -z dns,srt
  -z "icmp,srt,ip.addr in {10.0.0.0/8}"
  -z proto,counts

Examples:
  lippytap analyze -r trace.pcapng -z dns,srt
  lippytap analyze -r trace.pcap -z proto,counts -Y "not icmp" --print
  lippytap analyze -r trace.pcap --profile ~/.config/lippytap/stats.yaml --json`,
	RunE: runAnalyze,
}

var (
	readFile    string
	statSpecs   []string
	readFilter  string
	profilePath string
	saveProfile string
	jsonOutput  bool
	strictMode  bool
	printLines  bool
	frameCount  int
	writeFile   string
)

func runAnalyze(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("strict") {
		viper.Set("analyze.strict", strictMode)
	}
	if cmd.Flags().Changed("count") {
		viper.Set("analyze.count", frameCount)
	}

	cfg := Config{
		File:       readFile,
		Stats:      cmdutil.GetStringSliceConfig("analyze.stats", statSpecs),
		ReadFilter: cmdutil.GetStringConfig("analyze.read_filter", readFilter),
		Count:      cmdutil.GetIntConfig("analyze.count", frameCount),
		Strict:     viper.GetBool("analyze.strict"),
		Print:      printLines,
		WriteFile:  writeFile,
		JSON:       cmdutil.GetBoolConfig("analyze.json", jsonOutput),
	}
	if cfg.File == "" {
		return errors.New("a capture file is required (-r)")
	}

	if path := cmdutil.GetStringConfig("analyze.profile", profilePath); path != "" {
		p, err := statsprofile.ParseFile(cmdutil.ExpandPath(path))
		if err != nil {
			return err
		}
		cfg.Stats = append(p.Specs(), cfg.Stats...)
		if cfg.ReadFilter == "" {
			cfg.ReadFilter = p.ReadFilter
		}
		logger.Debug("Loaded statistics profile", "file", path, "stats", len(p.Specs()))
	}

	if saveProfile != "" {
		p := statsprofile.FromSpecs(cfg.Stats)
		p.ReadFilter = cfg.ReadFilter
		if err := statsprofile.WriteFile(cmdutil.ExpandPath(saveProfile), p); err != nil {
			return err
		}
		logger.Info("Saved statistics profile", "file", saveProfile, "stats", len(p.Stats))
	}

	ctx, stop := signals.Cancel(cmd.Context(), func(os.Signal) {
		fmt.Fprintln(os.Stderr, "lippytap: forced shutdown")
		os.Exit(130)
	})
	defer stop()

	report, err := Run(ctx, cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if report != nil && cfg.JSON {
		if werr := output.WriteJSON(cmd.OutOrStdout(), report); werr != nil {
			return werr
		}
	}
	var abort *epan.AbortError
	if errors.As(err, &abort) {
		return fmt.Errorf("strict mode: %w", err)
	}
	return err
}

func init() {
	AnalyzeCmd.Flags().StringVarP(&readFile, "read", "r", "", "capture file to read (pcap or pcapng)")
	AnalyzeCmd.Flags().StringArrayVarP(&statSpecs, "stat", "z", nil, "statistic to run: name[,filter] (repeatable, see 'lippytap list stats')")
	AnalyzeCmd.Flags().StringVarP(&readFilter, "read-filter", "Y", "", "display filter selecting the packets to count and print")
	AnalyzeCmd.Flags().StringVar(&profilePath, "profile", "", "YAML file listing statistics to run")
	AnalyzeCmd.Flags().StringVar(&saveProfile, "save-profile", "", "write the selected statistics to a profile file")
	AnalyzeCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the summary and statistic results as JSON")
	AnalyzeCmd.Flags().BoolVar(&strictMode, "strict", false, "abort on the first dissector fault and reject unknown filter fields")
	AnalyzeCmd.Flags().BoolVarP(&printLines, "print", "P", false, "print a summary line for every packet")
	AnalyzeCmd.Flags().IntVarP(&frameCount, "count", "c", 0, "stop after this many frames")
	AnalyzeCmd.Flags().StringVarP(&writeFile, "write", "w", "", "write the packets passing -Y to a pcap file")

	_ = viper.BindPFlag("analyze.read_filter", AnalyzeCmd.Flags().Lookup("read-filter"))
	_ = viper.BindPFlag("analyze.profile", AnalyzeCmd.Flags().Lookup("profile"))
}
