package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/harun/txgate/pkg/wire"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List live sessions",
	Long:  `List the sessions open on the running daemon, oldest first.`,
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

var sessionsKillCmd = &cobra.Command{
	Use:   "kill <session-id>",
	Short: "Close another session",
	Long: `Close a session on the running daemon. Its open transactions are rolled
back and its next call fails with SESSION_CLOSED.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionsKill,
}

func init() {
	sessionsCmd.AddCommand(sessionsKillCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Client.TimeoutDuration())
	defer cancel()

	remote, closeFn, err := openRemote(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	sessions, err := remote.Sessions(ctx)
	if err != nil {
		return err
	}
	printSessions(cmd, sessions)
	return nil
}

func printSessions(cmd *cobra.Command, sessions []wire.SessionInfo) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLOGIN\tHOST\tIDLE\tIN FLIGHT\t")
	now := time.Now()
	for _, s := range sessions {
		id := s.SessionID
		if s.Current {
			id += " *"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t\n", id, s.Login, s.Host, formatDuration(now.Sub(s.LastActive)), s.InFlight)
	}
	w.Flush()
}

func runSessionsKill(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Client.TimeoutDuration())
	defer cancel()

	remote, closeFn, err := openRemote(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := remote.Kill(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s closed\n", args[0])
	return nil
}
