package ledger

import (
	"context"

	"github.com/harun/txgate/pkg/txn"
)

// Interface returns the accounts interface bound to this store.
func (s *Store) Interface() txn.Interface {
	return txn.Interface{
		Name: InterfaceName,
		New: func(env txn.Env) (interface{}, error) {
			return s.NewAccounts(env)
		},
		Methods: map[string]txn.Method{
			"open": txn.Handler([]string{"string"}, func(ctx context.Context, a *Accounts, args txn.Args) (interface{}, error) {
				name, err := args.String(0)
				if err != nil {
					return nil, err
				}
				return a.Open(ctx, name)
			}),
			"balance": txn.Handler([]string{"string"}, func(ctx context.Context, a *Accounts, args txn.Args) (interface{}, error) {
				name, err := args.String(0)
				if err != nil {
					return nil, err
				}
				return a.Balance(ctx, name)
			}),
			"deposit": txn.Handler([]string{"string", "int64", "string"}, func(ctx context.Context, a *Accounts, args txn.Args) (interface{}, error) {
				name, amount, memo, err := movement(args)
				if err != nil {
					return nil, err
				}
				return a.Deposit(ctx, name, amount, memo)
			}),
			"withdraw": txn.Handler([]string{"string", "int64", "string"}, func(ctx context.Context, a *Accounts, args txn.Args) (interface{}, error) {
				name, amount, memo, err := movement(args)
				if err != nil {
					return nil, err
				}
				return a.Withdraw(ctx, name, amount, memo)
			}),
			"transfer": txn.Handler([]string{"string", "string", "int64"}, func(ctx context.Context, a *Accounts, args txn.Args) (interface{}, error) {
				from, err := args.String(0)
				if err != nil {
					return nil, err
				}
				to, err := args.String(1)
				if err != nil {
					return nil, err
				}
				amount, err := args.Int64(2)
				if err != nil {
					return nil, err
				}
				return a.Transfer(ctx, from, to, amount)
			}),
			"history": txn.Handler([]string{"string", "int64"}, func(ctx context.Context, a *Accounts, args txn.Args) (interface{}, error) {
				name, err := args.String(0)
				if err != nil {
					return nil, err
				}
				limit, err := args.Int64(1)
				if err != nil {
					return nil, err
				}
				return a.History(ctx, name, int(limit))
			}),
			"list": txn.Handler(nil, func(ctx context.Context, a *Accounts, args txn.Args) (interface{}, error) {
				return a.List(ctx)
			}),
		},
	}
}

func movement(args txn.Args) (string, int64, string, error) {
	name, err := args.String(0)
	if err != nil {
		return "", 0, "", err
	}
	amount, err := args.Int64(1)
	if err != nil {
		return "", 0, "", err
	}
	memo, err := args.String(2)
	if err != nil {
		return "", 0, "", err
	}
	return name, amount, memo, nil
}
