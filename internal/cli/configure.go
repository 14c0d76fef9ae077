package cli

import (
	"fmt"

	"github.com/harun/txgate/internal/config"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/spf13/cobra"
)

const generatedSecretSize = 32

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write the txgate configuration file",
	Long: `Write the txgate configuration file from flags.
The current file, or the defaults when there is none, is loaded first and only
the settings named on the command line are changed.`,
	Example: `  txgate configure --port 7420 --generate-secret
  txgate configure --client-user alice --client-password s3cret --transport ws --codec cbor`,
	Args: cobra.NoArgs,
	RunE: runConfigure,
}

func init() {
	addConfigureFlags(configureCmd)
	rootCmd.AddCommand(configureCmd)
}

func addConfigureFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("application", config.DefaultApplication, "application name clients must send")
	f.String("host", "127.0.0.1", "listen host")
	f.Int("port", config.DefaultPort, "listen port")
	f.Int("activity-window", 600, "seconds a session may stay idle before it is evicted")
	f.String("shared-secret", "", "transport shared secret (at least 16 characters)")
	f.Bool("generate-secret", false, "generate a random shared secret")
	f.String("database", "", "ledger database path")
	f.Int64("large-balance", 0, "balance above which deposits carry a notice (0 disables)")
	f.String("transport", "http", "client transport (http, ws)")
	f.String("codec", "json", "client wire codec (json, cbor)")
	f.String("client-user", "", "login used by client commands")
	f.String("client-password", "", "password used by client commands")
}

func runConfigure(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := applyConfigureFlags(cmd, cfg); err != nil {
		return err
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		cfg.Logging.Level = logLevel
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	loader := config.NewLoader(cfgFile)
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration saved to: %s\n", loader.GetConfigPath())
	fmt.Fprintln(out, "You can now start txgate with: txgate start")
	return nil
}

func applyConfigureFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	changed := f.Changed

	if changed("application") {
		cfg.Server.Application, _ = f.GetString("application")
	}
	if changed("host") {
		cfg.Server.Host, _ = f.GetString("host")
	}
	if changed("port") {
		cfg.Server.Port, _ = f.GetInt("port")
	}
	if changed("activity-window") {
		cfg.Server.ActivityWindow, _ = f.GetInt("activity-window")
	}
	if changed("shared-secret") {
		cfg.Server.SharedSecret, _ = f.GetString("shared-secret")
	}
	if generate, _ := f.GetBool("generate-secret"); generate {
		secret, err := gonanoid.New(generatedSecretSize)
		if err != nil {
			return fmt.Errorf("failed to generate secret: %w", err)
		}
		cfg.Server.SharedSecret = secret
	}
	if changed("database") {
		cfg.Database.Path, _ = f.GetString("database")
	}
	if changed("large-balance") {
		cfg.Database.LargeBalance, _ = f.GetInt64("large-balance")
	}
	if changed("transport") {
		cfg.Client.Transport, _ = f.GetString("transport")
	}
	if changed("codec") {
		cfg.Client.Codec, _ = f.GetString("codec")
	}
	if changed("client-user") {
		cfg.Client.User, _ = f.GetString("client-user")
	}
	if changed("client-password") {
		cfg.Client.Password, _ = f.GetString("client-password")
	}
	if changed("host") || changed("port") {
		cfg.Client.URL = "http://" + cfg.Server.Addr()
	}
	return nil
}
