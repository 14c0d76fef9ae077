package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/txgate/pkg/dbconn"
	"github.com/harun/txgate/pkg/fault"
	"github.com/harun/txgate/pkg/txn"
	"github.com/rs/zerolog"
)

// InterfaceName is the name the accounts interface is registered under.
const InterfaceName = "accounts"

const defaultHistoryLimit = 50

var adminMethods = map[string]struct{}{
	"open": {},
}

// Account is one row of the accounts table.
type Account struct {
	Name      string    `json:"name" mapstructure:"name"`
	Owner     string    `json:"owner" mapstructure:"owner"`
	Balance   int64     `json:"balance" mapstructure:"balance"`
	CreatedAt time.Time `json:"created_at" mapstructure:"created_at"`
}

// Entry is one journal line.
type Entry struct {
	ID        int64     `json:"id" mapstructure:"id"`
	Account   string    `json:"account" mapstructure:"account"`
	Amount    int64     `json:"amount" mapstructure:"amount"`
	Balance   int64     `json:"balance" mapstructure:"balance"`
	Memo      string    `json:"memo" mapstructure:"memo"`
	SessionID string    `json:"session_id" mapstructure:"session_id"`
	CreatedAt time.Time `json:"created_at" mapstructure:"created_at"`
}

// Accounts is the accounts implementation bound to one connection. Its writes
// belong to whatever transaction the connection carries.
type Accounts struct {
	store   *Store
	conn    *dbconn.Conn
	user    *User
	session string
	logger  zerolog.Logger
}

// NewAccounts binds an implementation to env's connection.
func (s *Store) NewAccounts(env txn.Env) (*Accounts, error) {
	u, ok := env.User.(*User)
	if !ok {
		return nil, fmt.Errorf("caller is %T, not a ledger user", env.User)
	}
	return &Accounts{
		store:   s,
		conn:    env.Conn,
		user:    u,
		session: env.SessionID,
		logger:  env.Logger,
	}, nil
}

// Open creates an account owned by the caller.
func (a *Accounts) Open(ctx context.Context, name string) (*Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fault.Business("account name cannot be empty")
	}
	now := a.store.now()
	res, err := a.conn.ExecContext(ctx,
		"INSERT INTO accounts (name, owner_id, balance, created_at) VALUES (?, ?, 0, ?) ON CONFLICT(name) DO NOTHING",
		name, a.user.ID, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to open account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fault.Business("account %s already exists", name)
	}
	a.logger.Info().Str("account", name).Str("owner", a.user.Login).Msg("Account opened")
	return &Account{Name: name, Owner: a.user.Login, CreatedAt: time.Unix(now.Unix(), 0).UTC()}, nil
}

// Balance returns an account's balance.
func (a *Accounts) Balance(ctx context.Context, name string) (int64, error) {
	acct, err := a.load(ctx, name)
	if err != nil {
		return 0, err
	}
	if err := a.owned(acct); err != nil {
		return 0, err
	}
	return acct.balance, nil
}

// Deposit adds amount to any account and returns the new balance. A balance past
// the store's large-balance mark is reported with an informational fault; the
// deposit still commits.
func (a *Accounts) Deposit(ctx context.Context, name string, amount int64, memo string) (int64, error) {
	if amount <= 0 {
		return 0, fault.Business("deposit amount must be positive, got %d", amount)
	}
	if _, err := a.load(ctx, name); err != nil {
		return 0, err
	}
	balance, err := a.apply(ctx, name, amount, memo)
	if err != nil {
		return 0, err
	}
	if limit := a.store.largeBalance; limit > 0 && balance > limit {
		return balance, fault.Informational("account %s balance %d exceeds %d", name, balance, limit)
	}
	return balance, nil
}

// Withdraw takes amount from an account the caller owns and returns the new balance.
func (a *Accounts) Withdraw(ctx context.Context, name string, amount int64, memo string) (int64, error) {
	if amount <= 0 {
		return 0, fault.Business("withdrawal amount must be positive, got %d", amount)
	}
	acct, err := a.load(ctx, name)
	if err != nil {
		return 0, err
	}
	if err := a.owned(acct); err != nil {
		return 0, err
	}
	if acct.balance < amount {
		return 0, fault.Business("insufficient funds in %s: balance %d, requested %d", name, acct.balance, amount)
	}
	return a.apply(ctx, name, -amount, memo)
}

// Transfer moves amount between accounts and returns the source's new balance.
func (a *Accounts) Transfer(ctx context.Context, from, to string, amount int64) (int64, error) {
	if from == to {
		return 0, fault.Business("cannot transfer %s to itself", from)
	}
	if _, err := a.load(ctx, to); err != nil {
		return 0, err
	}
	memo := fmt.Sprintf("transfer %s -> %s", from, to)
	balance, err := a.Withdraw(ctx, from, amount, memo)
	if err != nil {
		return 0, err
	}
	if _, err := a.apply(ctx, to, amount, memo); err != nil {
		return 0, err
	}
	return balance, nil
}

// History returns an account's most recent journal entries, newest first.
func (a *Accounts) History(ctx context.Context, name string, limit int) ([]Entry, error) {
	acct, err := a.load(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := a.owned(acct); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	rows, err := a.conn.QueryContext(ctx,
		"SELECT id, account, amount, balance, memo, session_id, created_at FROM journal WHERE account = ? ORDER BY id DESC LIMIT ?",
		name, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e  Entry
			ts int64
		)
		if err := rows.Scan(&e.ID, &e.Account, &e.Amount, &e.Balance, &e.Memo, &e.SessionID, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.CreatedAt = time.Unix(ts, 0).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// List returns the caller's accounts, or every account for an admin.
func (a *Accounts) List(ctx context.Context) ([]Account, error) {
	query := `SELECT a.name, u.login, a.balance, a.created_at FROM accounts a
		JOIN users u ON u.id = a.owner_id`
	var args []interface{}
	if !a.user.Admin {
		query += " WHERE a.owner_id = ?"
		args = append(args, a.user.ID)
	}
	query += " ORDER BY a.name"

	rows, err := a.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	accounts := []Account{}
	for rows.Next() {
		var (
			acct Account
			ts   int64
		)
		if err := rows.Scan(&acct.Name, &acct.Owner, &acct.Balance, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		acct.CreatedAt = time.Unix(ts, 0).UTC()
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

type accountRow struct {
	name    string
	ownerID int64
	balance int64
}

func (a *Accounts) load(ctx context.Context, name string) (*accountRow, error) {
	row, err := a.conn.QueryRowContext(ctx, "SELECT name, owner_id, balance FROM accounts WHERE name = ?", name)
	if err != nil {
		return nil, err
	}
	var acct accountRow
	if err := row.Scan(&acct.name, &acct.ownerID, &acct.balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.Business("no such account %s", name)
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return &acct, nil
}

func (a *Accounts) owned(acct *accountRow) error {
	if a.user.Admin || acct.ownerID == a.user.ID {
		return nil
	}
	return fault.Business("account %s belongs to another user", acct.name)
}

func (a *Accounts) apply(ctx context.Context, name string, delta int64, memo string) (int64, error) {
	var balance int64
	row, err := a.conn.QueryRowContext(ctx,
		"UPDATE accounts SET balance = balance + ? WHERE name = ? RETURNING balance", delta, name)
	if err != nil {
		return 0, err
	}
	if err := row.Scan(&balance); err != nil {
		return 0, fmt.Errorf("failed to update balance: %w", err)
	}

	if _, err := a.conn.ExecContext(ctx,
		"INSERT INTO journal (account, amount, balance, memo, session_id, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		name, delta, balance, memo, a.session, a.store.now().Unix()); err != nil {
		return 0, fmt.Errorf("failed to write journal: %w", err)
	}

	a.logger.Debug().Str("account", name).Int64("delta", delta).Int64("balance", balance).Msg("Balance updated")
	return balance, nil
}
