package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harun/txgate/pkg/fault"
	"github.com/spf13/cobra"
)

var callAsync bool

var callCmd = &cobra.Command{
	Use:   "call <interface> <method> [args...]",
	Short: "Invoke a method in an auto-commit transaction",
	Long: `Invoke one method on the running daemon. Each argument is parsed as JSON
when it can be and passed as a string otherwise, so 100 is a number and
alice-main is a string.

With --async the call is queued and the command returns as soon as the
server accepts it.`,
	Example: `  txgate call accounts balance alice-main
  txgate call accounts deposit alice-main 100 payday
  txgate call --async accounts transfer alice-main bob-main 5`,
	Args: cobra.MinimumNArgs(2),
	RunE: runCall,
}

func init() {
	callCmd.Flags().BoolVar(&callAsync, "async", false, "queue the call and return without waiting for the result")
	rootCmd.AddCommand(callCmd)
}

func runCall(cmd *cobra.Command, args []string) error {
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

	iface, method := args[0], args[1]
	params := parseArgs(args[2:])

	if callAsync {
		if _, err := remote.Async(iface).Invoke(ctx, method, params...); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "queued")
		return nil
	}

	result, err := remote.Simple(iface).Invoke(ctx, method, params...)
	if err != nil && !fault.IsInformational(err) {
		return err
	}
	if err := printJSON(cmd, result); err != nil {
		return err
	}
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "note: %v\n", err)
	}
	return nil
}

func parseArgs(raw []string) []interface{} {
	params := make([]interface{}, 0, len(raw))
	for _, arg := range raw {
		var v interface{}
		if err := json.Unmarshal([]byte(arg), &v); err != nil {
			v = arg
		}
		params = append(params, v)
	}
	return params
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
