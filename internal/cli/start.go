package cli

import (
	"fmt"
	"os"

	"github.com/harun/txgate/internal/config"
	"github.com/harun/txgate/internal/daemon"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the txgate daemon",
	Long: `Start the txgate daemon in the foreground.
The daemon serves the ledger on the configured address until it receives
SIGINT or SIGTERM, and reloads live settings when the config file changes.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer log.Close()

	var opts []daemon.Option
	if path := configPath(); path != "" {
		opts = append(opts, daemon.WithConfigPath(path))
	}

	d, err := daemon.New(cfg, log, opts...)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "txgate listening on %s (application %q)\n", d.Addr(), cfg.Server.Application)
	d.Wait()
	return nil
}

func getPIDFilePath(cfgPath string) string {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return daemon.PIDFilePath(os.TempDir())
	}
	return daemon.PIDFilePath(cfg.DataDir)
}

func isRunning(pidFile string) bool {
	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return false
	}
	return daemon.ProcessRunning(pid)
}
