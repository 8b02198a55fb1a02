package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/endorses/lippytap/cmd/analyze"
	"github.com/endorses/lippytap/cmd/list"
	"github.com/endorses/lippytap/internal/pkg/cmdutil"
	"github.com/endorses/lippytap/internal/pkg/logger"
	"github.com/endorses/lippytap/internal/pkg/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:     "lippytap",
	Short:   "lippytap dissects capture files and runs tap statistics over them",
	Long:    fmt.Sprintf("lippytap %s - offline packet dissection and tap statistics", version.GetVersion()),
	Version: version.GetFullVersion(),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return configureLogging()
	},
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func addSubCommandPalattes() {
	rootCmd.AddCommand(analyze.AnalyzeCmd)
	rootCmd.AddCommand(list.ListCmd)
	rootCmd.AddCommand(versionCmd)
}

func init() {
	cobra.OnInitialize(initConfig)

	logger.Initialize()

	addSubCommandPalattes()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/lippytap/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default info)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: json or text (default json)")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// ~/.config/lippytap/config.yaml first, then ~/.lippytap.yaml
		viper.AddConfigPath(home + "/.config/lippytap")
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
		if err := viper.ReadInConfig(); err != nil {
			viper.SetConfigName(".lippytap")
		}
	}

	viper.SetEnvPrefix("LIPPYTAP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func configureLogging() error {
	level, err := logger.ParseLevel(cmdutil.GetStringConfig("log.level", logLevel))
	if err != nil {
		return err
	}
	format := cmdutil.GetStringConfig("log.format", logFormat)
	if format != "json" && format != "text" {
		return fmt.Errorf("invalid log format %q: want json or text", format)
	}
	logger.Configure(logger.Options{Level: level, Format: format, Output: os.Stderr})
	return nil
}
