package ledger

import (
	"context"
	"fmt"

	"github.com/harun/txgate/pkg/client"
	"github.com/harun/txgate/pkg/fault"
	"github.com/spf13/cast"
)

// Client is a typed stub over any accounts invoker: a simple handle, a transaction
// handle or a resilient wrapper.
type Client struct {
	inv client.Invoker
}

// NewClient wraps an invoker for the accounts interface.
func NewClient(inv client.Invoker) *Client {
	return &Client{inv: inv}
}

// Open creates an account. Admin only.
func (c *Client) Open(ctx context.Context, name string) (*Account, error) {
	result, err := c.inv.Invoke(ctx, "open", name)
	if err != nil {
		return nil, err
	}
	var acct Account
	if err := client.Decode(result, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// Balance returns an account's balance.
func (c *Client) Balance(ctx context.Context, name string) (int64, error) {
	return c.amount(c.inv.Invoke(ctx, "balance", name))
}

// Deposit returns the new balance. An informational fault comes back with it.
func (c *Client) Deposit(ctx context.Context, name string, amount int64, memo string) (int64, error) {
	return c.amount(c.inv.Invoke(ctx, "deposit", name, amount, memo))
}

// Withdraw returns the new balance.
func (c *Client) Withdraw(ctx context.Context, name string, amount int64, memo string) (int64, error) {
	return c.amount(c.inv.Invoke(ctx, "withdraw", name, amount, memo))
}

// Transfer returns the source account's new balance.
func (c *Client) Transfer(ctx context.Context, from, to string, amount int64) (int64, error) {
	return c.amount(c.inv.Invoke(ctx, "transfer", from, to, amount))
}

// History returns up to limit journal entries, newest first.
func (c *Client) History(ctx context.Context, name string, limit int) ([]Entry, error) {
	result, err := c.inv.Invoke(ctx, "history", name, limit)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := client.Decode(result, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// List returns the accounts visible to the caller.
func (c *Client) List(ctx context.Context) ([]Account, error) {
	result, err := c.inv.Invoke(ctx, "list")
	if err != nil {
		return nil, err
	}
	var accounts []Account
	if err := client.Decode(result, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

// amount decodes a numeric result, keeping an informational fault alongside it.
func (c *Client) amount(result interface{}, err error) (int64, error) {
	if err != nil && !fault.IsInformational(err) {
		return 0, err
	}
	n, castErr := cast.ToInt64E(result)
	if castErr != nil {
		return 0, fmt.Errorf("unexpected result %T: %w", result, castErr)
	}
	return n, err
}
