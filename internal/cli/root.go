package cli

import (
	"fmt"
	"os"

	"github.com/harun/txgate/internal/config"
	"github.com/harun/txgate/internal/logger"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "txgate",
	Short: "txgate - session-scoped remote transaction gateway",
	Long: `txgate serves transactional interfaces to remote clients over HTTP and
websockets. Clients log in to a session, then run auto-commit, explicit or
asynchronous calls against the ledger it hosts.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.txgate/txgate.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig loads the config file named by --config and applies --log-level
// when it was given explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// newLogger builds the process logger from cfg. Console output is for
// foreground commands; the daemon also writes to its log file.
func newLogger(cfg *config.Config, file bool) (*logger.Logger, error) {
	lc := logger.DefaultConfig()
	lc.Level = cfg.Logging.Level
	lc.Redaction = cfg.Logging.Redaction
	lc.MaxSize = cfg.Logging.MaxSize
	lc.MaxAge = cfg.Logging.MaxAge
	lc.Compress = cfg.Logging.Compress
	if file {
		lc.File = cfg.Logging.File
	}
	log, err := logger.New(lc)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return log, nil
}

// configPath returns the config file in use, or "" when none exists yet.
func configPath() string {
	path := config.NewLoader(cfgFile).GetConfigPath()
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}
