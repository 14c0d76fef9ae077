package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/harun/txgate/pkg/ledger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	userPassword string
	userAdmin    bool
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage ledger users",
}

var userAddCmd = &cobra.Command{
	Use:   "add <login>",
	Short: "Create a user who can open sessions",
	Long: `Create a user in the ledger database. The database is opened directly,
so this works whether or not the daemon is running.`,
	Args: cobra.ExactArgs(1),
	RunE: runUserAdd,
}

var userPasswdCmd = &cobra.Command{
	Use:   "passwd <login>",
	Short: "Change a user's password",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserPasswd,
}

func init() {
	for _, c := range []*cobra.Command{userAddCmd, userPasswdCmd} {
		c.Flags().StringVar(&userPassword, "password", "", "password for the user")
		_ = c.MarkFlagRequired("password")
	}
	userAddCmd.Flags().BoolVar(&userAdmin, "admin", false, "allow the user to open accounts")
	userCmd.AddCommand(userAddCmd, userPasswdCmd)
	rootCmd.AddCommand(userCmd)
}

func openLedger(cmd *cobra.Command) (*ledger.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	nop := zerolog.Nop()
	return ledger.Open(commandContext(cmd), ledger.Config{
		Path:         cfg.Database.Path,
		BusyTimeout:  cfg.Database.BusyTimeout(),
		LargeBalance: cfg.Database.LargeBalance,
		Logger:       &nop,
	})
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	store, err := openLedger(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	u, err := store.CreateUser(commandContext(cmd), args[0], userPassword, userAdmin)
	if err != nil {
		return err
	}
	role := "user"
	if u.Admin {
		role = "admin"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s %s (id %d)\n", role, u.Login, u.ID)
	return nil
}

func runUserPasswd(cmd *cobra.Command, args []string) error {
	store, err := openLedger(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SetPassword(commandContext(cmd), args[0], userPassword); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Password updated for %s\n", args[0])
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
