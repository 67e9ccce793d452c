package main

import (
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/always-cache/always-prefetch/internal/profile"
)

// this is set by goreleaser
var version string

var rootCmd = &cobra.Command{
	Use:   "always-prefetch",
	Short: "Predicts the next pages of every visitor and prefetches them",
	// usage is noise for runtime errors
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// a missing .env is fine
		_ = godotenv.Load()
		return setupLogging(profile.FromViper(viper.GetViper()))
	},
}

func init() {
	if version == "" {
		version = "DEV"
	}
	rootCmd.Version = version

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to YAML site config (rule policy, data island rules)")
	flags.String("model-url", "", "Model artifact location (http(s) URL, file:// URL or path)")
	flags.String("vocab-url", "", "Vocabulary (vocab.json) location")
	flags.String("runtime", "ngram", "Model runtime")
	flags.Int("window", 5, "Number of recent routes the model sees")
	flags.Duration("load-timeout", 0, "Model load timeout (default 30s)")
	flags.String("dsn", "", "Clickstream store: SQLite file name, 'memory' or postgres:// URL")
	flags.Bool("vv", false, "Verbosity: trace logging")
	flags.String("log-file", "", "Log file to use (in addition to stderr)")
	bindFlags(rootCmd)

	profile.BindEnv(viper.GetViper())

	rootCmd.AddCommand(serveCmd, predictCmd, exportCmd)
}

// bindFlags makes the flags of cmd visible to the profile.
func bindFlags(cmd *cobra.Command) {
	if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
		panic(err)
	}
	if err := viper.BindPFlags(cmd.LocalNonPersistentFlags()); err != nil {
		panic(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogging points the global logger to stderr and, if configured, to a
// log file as well. stdout is left to command output.
func setupLogging(p *profile.Profile) error {
	logLevel := zerolog.DebugLevel
	if p.Trace {
		logLevel = zerolog.TraceLevel
	}

	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stderr})
	if p.LogFile != "" {
		logFileOutput, err := os.OpenFile(p.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return err
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
	return nil
}
