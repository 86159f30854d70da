// Package market wires the wallet, the ledger and the per-network session
// (probe, demo overlay, synchronizer and orchestrators) into the four user
// actions: connect, refresh, buy and list.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/olehkaliuzhnyi/marketplace-client/internal/config"
	"github.com/olehkaliuzhnyi/marketplace-client/internal/demo"
	"github.com/olehkaliuzhnyi/marketplace-client/internal/ledger"
	"github.com/olehkaliuzhnyi/marketplace-client/internal/network"
	"github.com/olehkaliuzhnyi/marketplace-client/internal/orchestrator"
	"github.com/olehkaliuzhnyi/marketplace-client/internal/syncer"
	"github.com/olehkaliuzhnyi/marketplace-client/internal/units"
	"github.com/olehkaliuzhnyi/marketplace-client/internal/wallet"
	"github.com/olehkaliuzhnyi/marketplace-client/pkg/models"
)

// ErrNotStarted is returned by actions called before Start.
var ErrNotStarted = errors.New("client not started")

// ErrNoAccounts is returned when the wallet grants no account.
var ErrNoAccounts = errors.New("wallet returned no accounts")

// Config holds the client's parameters in smallest token units.
type Config struct {
	Sync         syncer.Config
	Orchestrator orchestrator.Config
	DemoBalance  *big.Int
	Decimals     int32
}

// ConfigFrom converts the environment config, parsing token amounts.
func ConfigFrom(cfg config.Config) (Config, error) {
	approval, err := units.Parse(cfg.ApprovalAmount, cfg.TokenDecimals)
	if err != nil {
		return Config{}, fmt.Errorf("approval amount: %w", err)
	}
	demoBalance, err := units.Parse(cfg.DemoBalance, cfg.TokenDecimals)
	if err != nil {
		return Config{}, fmt.Errorf("demo balance: %w", err)
	}
	sc := syncer.DefaultConfig()
	sc.PollInterval = cfg.PollInterval
	return Config{
		Sync: sc,
		Orchestrator: orchestrator.Config{
			ApprovalAmount: approval,
			DemoDelay:      cfg.DemoDelay,
		},
		DemoBalance: demoBalance,
		Decimals:    cfg.TokenDecimals,
	}, nil
}

// Snapshot is canonical state plus the orchestrators' loading flags and
// their last runs.
type Snapshot struct {
	models.State
	Purchasing   bool                    `json:"purchasing"`
	Listing      bool                    `json:"listing"`
	LastPurchase *orchestrator.Operation `json:"last_purchase,omitempty"`
	LastListing  *orchestrator.Operation `json:"last_listing,omitempty"`
}

// session is everything scoped to one network. A chain change discards it
// whole and builds a new one.
type session struct {
	ctx       context.Context
	cancel    context.CancelFunc
	network   models.NetworkInfo
	sync      *syncer.Synchronizer
	purchaser *orchestrator.Purchaser
	lister    *orchestrator.Lister
}

// Client is the scheduler between the wallet's notifications, the user's
// actions and the current session.
type Client struct {
	cfg      Config
	provider wallet.Provider
	ledger   ledger.Ledger
	resolver *network.Resolver

	mu      sync.Mutex
	baseCtx context.Context
	sess    *session
	account string
	hook    orchestrator.TransitionFunc

	logger *slog.Logger
}

func NewClient(cfg Config, provider wallet.Provider, l ledger.Ledger, resolver *network.Resolver) *Client {
	return &Client{
		cfg:      cfg,
		provider: provider,
		ledger:   l,
		resolver: resolver,
		baseCtx:  context.Background(),
		logger:   slog.Default().With("component", "market_client"),
	}
}

// OnOperation registers fn to observe every purchase and listing transition.
func (c *Client) OnOperation(fn orchestrator.TransitionFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hook = fn
	if c.sess != nil {
		c.sess.purchaser.OnTransition(fn)
		c.sess.lister.OnTransition(fn)
	}
}

// Start builds the session for the wallet's current chain and silently
// resumes an already-authorized account.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	c.baseCtx = ctx
	c.mu.Unlock()

	chainID, err := c.provider.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("get chain id: %w", err)
	}
	c.reload(chainID)

	accounts, err := c.provider.Accounts(ctx)
	if err != nil {
		return fmt.Errorf("get accounts: %w", err)
	}
	if len(accounts) > 0 {
		c.setAccount(accounts[0])
		c.validate(ctx)
	}
	return nil
}

// Connect asks the wallet for account access and validates the contracts
// on a live network. A missing deployment shows up as a condition in the
// snapshot, not as an error.
func (c *Client) Connect(ctx context.Context) (string, error) {
	if c.current() == nil {
		return "", ErrNotStarted
	}
	accounts, err := c.provider.RequestAccounts(ctx)
	if err != nil {
		return "", fmt.Errorf("request accounts: %w", err)
	}
	if len(accounts) == 0 {
		return "", ErrNoAccounts
	}
	c.setAccount(accounts[0])
	c.validate(ctx)
	return accounts[0], nil
}

// Run dispatches wallet notifications until ctx is done or the provider
// closes its event channel.
func (c *Client) Run(ctx context.Context) error {
	events := c.provider.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				c.logger.Info("wallet event stream closed")
				return nil
			}
			c.handle(ctx, ev)
		}
	}
}

func (c *Client) handle(ctx context.Context, ev wallet.Event) {
	switch ev.Kind {
	case wallet.EventAccountsChanged:
		account := ""
		if len(ev.Accounts) > 0 {
			account = ev.Accounts[0]
		}
		c.logger.Info("accounts changed", "account", account)
		c.setAccount(account)
	case wallet.EventChainChanged:
		c.logger.Info("chain changed", "chain_id", ev.ChainID)
		c.reload(ev.ChainID)
		c.validate(ctx)
	default:
		c.logger.Warn("unknown wallet event", "kind", ev.Kind)
	}
}

// Refresh refreshes balance and catalog now.
func (c *Client) Refresh(ctx context.Context) error {
	s := c.current()
	if s == nil {
		return ErrNotStarted
	}
	return s.sync.Refresh(ctx)
}

// Buy purchases product id. The run is canceled if the chain changes.
func (c *Client) Buy(ctx context.Context, id uint64) (orchestrator.Operation, error) {
	s := c.current()
	if s == nil {
		return orchestrator.Operation{}, ErrNotStarted
	}
	ctx, cancel := bind(ctx, s.ctx)
	defer cancel()
	return s.purchaser.Buy(ctx, id)
}

// List lists a product at price, given in human token units. The run is
// canceled if the chain changes.
func (c *Client) List(ctx context.Context, name, price string) (orchestrator.Operation, error) {
	s := c.current()
	if s == nil {
		return orchestrator.Operation{}, ErrNotStarted
	}
	ctx, cancel := bind(ctx, s.ctx)
	defer cancel()
	return s.lister.List(ctx, name, price)
}

// Snapshot returns the current view.
func (c *Client) Snapshot() Snapshot {
	s := c.current()
	if s == nil {
		return Snapshot{State: models.State{Balance: big.NewInt(0)}}
	}
	snap := Snapshot{
		State:      s.sync.Snapshot(),
		Purchasing: s.purchaser.Active(),
		Listing:    s.lister.Active(),
	}
	if op, ok := s.purchaser.Last(); ok {
		snap.LastPurchase = &op
	}
	if op, ok := s.lister.Last(); ok {
		snap.LastListing = &op
	}
	return snap
}

// Decimals is the token's decimal places, for formatting.
func (c *Client) Decimals() int32 { return c.cfg.Decimals }

// Close tears down the current session.
func (c *Client) Close() {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.mu.Unlock()
	if s != nil {
		s.cancel()
		s.sync.Stop()
	}
}

// --- internals ---

func (c *Client) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// reload discards the current session and builds a fresh one for rawChainID,
// invalidating every cache and canceling in-flight runs.
func (c *Client) reload(rawChainID string) {
	info := c.resolver.Resolve(rawChainID)

	c.mu.Lock()
	old := c.sess
	ctx, cancel := context.WithCancel(c.baseCtx)
	overlay := demo.NewOverlay(c.cfg.DemoBalance, c.cfg.Decimals)
	sy := syncer.New(c.cfg.Sync, c.ledger, network.NewProbe(c.ledger), overlay)
	s := &session{
		ctx:       ctx,
		cancel:    cancel,
		network:   info,
		sync:      sy,
		purchaser: orchestrator.NewPurchaser(c.cfg.Orchestrator, sy, c.ledger),
		lister:    orchestrator.NewLister(c.cfg.Orchestrator, c.cfg.Decimals, sy, c.ledger),
	}
	if c.hook != nil {
		s.purchaser.OnTransition(c.hook)
		s.lister.OnTransition(c.hook)
	}
	c.sess = s
	account := c.account
	c.mu.Unlock()

	if old != nil {
		old.cancel()
		old.sync.Stop()
	}

	sy.SetNetwork(info)
	sy.Start(ctx)
	if account != "" {
		sy.SetAccount(account)
	}
	c.logger.Info("session ready",
		"network", info.ID,
		"name", info.DisplayName,
		"mode", info.Mode,
		"account", account,
	)
}

func (c *Client) setAccount(account string) {
	c.mu.Lock()
	c.account = account
	s := c.sess
	c.mu.Unlock()
	if s != nil {
		s.sync.SetAccount(account)
	}
}

func (c *Client) validate(ctx context.Context) {
	s := c.current()
	if s == nil {
		return
	}
	if err := s.sync.Validate(ctx); err != nil {
		c.logger.Warn("contract validation failed",
			"network", s.network.ID,
			"token", c.ledger.TokenAddress(),
			"marketplace", c.ledger.MarketplaceAddress(),
			"error", err,
		)
	}
}

// bind returns a context canceled when either ctx or scope is done.
func bind(ctx, scope context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(scope, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
