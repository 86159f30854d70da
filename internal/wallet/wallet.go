package wallet

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

// EventKind identifies a provider notification.
type EventKind string

// Provider notifications.
const (
	EventAccountsChanged EventKind = "accountsChanged"
	EventChainChanged    EventKind = "chainChanged"
)

// Event is emitted by a Provider when the user switches account or chain.
type Event struct {
	Kind     EventKind
	Accounts []string // AccountsChanged; empty means disconnected
	ChainID  string   // ChainChanged; raw form as reported by the wallet
}

// Provider is the wallet the user connects with.
// Mirrors eth_accounts, eth_requestAccounts and eth_chainId.
type Provider interface {
	// Accounts returns already-authorized accounts without prompting.
	Accounts(ctx context.Context) ([]string, error)

	// RequestAccounts asks the user for account access.
	RequestAccounts(ctx context.Context) ([]string, error)

	// ChainID returns the connected chain id, hex or decimal.
	ChainID(ctx context.Context) (string, error)

	// Events returns the notification channel.
	Events() <-chan Event
}

// Signer signs transactions on behalf of an account held by the wallet.
// A browser or hardware wallet would prompt the user here.
type Signer interface {
	SignTx(ctx context.Context, from string, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}
