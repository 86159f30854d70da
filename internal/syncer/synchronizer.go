// Package syncer owns the canonical client-side view of account, token
// balance and product catalog, and keeps it fresh by polling.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/olehkaliuzhnyi/marketplace-client/internal/demo"
	"github.com/olehkaliuzhnyi/marketplace-client/internal/ledger"
	"github.com/olehkaliuzhnyi/marketplace-client/internal/network"
	"github.com/olehkaliuzhnyi/marketplace-client/pkg/models"
)

var (
	// ErrNoAccount is returned when a refresh needs an account and none is set.
	ErrNoAccount = errors.New("no account connected")
	// ErrNoDeployment is returned when the contract address holds no code.
	ErrNoDeployment = errors.New("no contract deployed")
	// ErrInterfaceMismatch is the ledger's mismatch class, re-exported for callers.
	ErrInterfaceMismatch = ledger.ErrInterfaceMismatch
)

// Reader is the read surface the synchronizer polls.
type Reader interface {
	ledger.TokenReader
	ledger.MarketReader
	TokenAddress() string
	MarketplaceAddress() string
}

// Config holds synchronizer parameters.
type Config struct {
	PollInterval time.Duration
	// Fallbacks maps network ids to a label. On those networks an interface
	// mismatch while reading the catalog yields one synthetic placeholder
	// product instead of an empty list.
	Fallbacks map[string]string
}

// DefaultConfig polls every 5 seconds with the Sepolia placeholder enabled.
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		Fallbacks:    map[string]string{network.ChainSepolia: "Sepolia"},
	}
}

// target is what a refresh was issued for. A result is only written back
// if neither the epoch nor the write generation moved while it was in flight.
type target struct {
	account string
	network models.NetworkInfo
	epoch   uint64
	writes  uint64
}

// Synchronizer refreshes canonical state on demand and on a fixed interval.
// Concurrent refreshes for the same key share one remote call.
type Synchronizer struct {
	reader  Reader
	probe   *network.Probe
	overlay *demo.Overlay
	cfg     Config
	group   singleflight.Group

	mu       sync.Mutex
	state    models.State
	observed []models.Product // last live catalog, for the demo overlay to layer over
	epoch    uint64
	writes   uint64 // bumped by confirmed local writes
	inflight int

	pollMu  sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	logger *slog.Logger
}

func New(cfg Config, reader Reader, probe *network.Probe, overlay *demo.Overlay) *Synchronizer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Synchronizer{
		reader:  reader,
		probe:   probe,
		overlay: overlay,
		cfg:     cfg,
		state:   models.State{Balance: big.NewInt(0)},
		baseCtx: context.Background(),
		logger:  slog.Default().With("component", "synchronizer"),
	}
}

// Start sets the parent context for polling. Polling itself begins when an
// account is set.
func (s *Synchronizer) Start(ctx context.Context) {
	s.pollMu.Lock()
	s.baseCtx = ctx
	s.pollMu.Unlock()

	s.mu.Lock()
	account := s.state.Account
	s.mu.Unlock()
	if account != "" {
		s.restartPolling()
	}
}

// Stop cancels polling and waits for the loop to exit.
func (s *Synchronizer) Stop() {
	if done := s.stopPolling(); done != nil {
		<-done
	}
	s.logger.Info("synchronizer stopped")
}

// SetNetwork replaces the network, clearing every cached view of the old one.
func (s *Synchronizer) SetNetwork(info models.NetworkInfo) {
	s.mu.Lock()
	prev := s.state.Network
	s.epoch++
	s.state.Network = info
	s.state.Condition = nil
	s.state.Balance = big.NewInt(0)
	s.state.Products = nil
	s.observed = nil
	s.mu.Unlock()

	s.probe.Reset()
	if prev.Mode == models.ModeDemo && info.Mode != models.ModeDemo {
		s.overlay.Reset()
	}
	s.logger.Info("network set", "network", info.ID, "mode", info.Mode, "name", info.DisplayName)
}

// SetAccount replaces the account wholesale and restarts polling; an empty
// account stops it.
func (s *Synchronizer) SetAccount(account string) {
	s.mu.Lock()
	if s.state.Account == account {
		s.mu.Unlock()
		return
	}
	s.epoch++
	s.state.Account = account
	s.state.Balance = big.NewInt(0)
	s.mu.Unlock()

	s.logger.Info("account set", "account", account)
	if account == "" {
		s.stopPolling()
		return
	}
	s.restartPolling()
}

// Snapshot returns a deep copy of canonical state.
func (s *Synchronizer) Snapshot() models.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	st.Balance = new(big.Int).Set(s.state.Balance)
	st.Products = cloneProducts(s.state.Products)
	if s.state.Condition != nil {
		c := *s.state.Condition
		st.Condition = &c
	}
	st.Refreshing = s.inflight > 0
	return st
}

// Product looks up a product in canonical state.
func (s *Synchronizer) Product(id uint64) (models.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.state.Products {
		if p.ID == id {
			return p.Clone(), true
		}
	}
	return models.Product{}, false
}

// Refresh refreshes balance and catalog.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	_, balErr := s.RefreshBalance(ctx)
	_, prodErr := s.RefreshProducts(ctx)
	return errors.Join(balErr, prodErr)
}

// RefreshBalance refreshes the current account's token balance.
// Known network conditions still return a zero balance alongside the error.
func (s *Synchronizer) RefreshBalance(ctx context.Context) (*big.Int, error) {
	t := s.current()
	if t.account == "" {
		return nil, ErrNoAccount
	}

	key := fmt.Sprintf("balance:%s@%d.%d", t.account, t.epoch, t.writes)
	v, err, shared := s.group.Do(key, func() (interface{}, error) {
		s.begin()
		defer s.end()

		bal, err := s.fetchBalance(ctx, t)
		s.commit(t, func(st *models.State) { st.Balance = new(big.Int).Set(bal) })
		return bal, err
	})
	if shared {
		s.logger.Debug("balance refresh coalesced", "account", t.account)
	}
	return new(big.Int).Set(v.(*big.Int)), err
}

// RefreshProducts refreshes the catalog.
func (s *Synchronizer) RefreshProducts(ctx context.Context) ([]models.Product, error) {
	t := s.current()

	key := fmt.Sprintf("catalog@%d.%d", t.epoch, t.writes)
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		s.begin()
		defer s.end()

		products, live, err := s.fetchProducts(ctx, t)
		s.commit(t, func(st *models.State) {
			st.Products = cloneProducts(products)
			if live {
				s.observed = cloneProducts(products)
			}
		})
		return products, err
	})

	return cloneProducts(v.([]models.Product)), err
}

// Validate checks that both contracts are deployed on a live network and
// raises the matching condition if not.
func (s *Synchronizer) Validate(ctx context.Context) error {
	t := s.current()
	if t.network.Mode != models.ModeLive {
		return nil
	}
	if err := s.checkDeployed(ctx, t, s.reader.MarketplaceAddress(), "marketplace"); err != nil {
		return err
	}
	return s.checkDeployed(ctx, t, s.reader.TokenAddress(), "token")
}

// Invalidate marks every refresh already in flight as stale. Callers use it
// after a write is mined so the next refresh reads the new ledger state
// instead of joining an older read.
func (s *Synchronizer) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
}

// MarkSold flips a product to sold in canonical state. In demo mode the
// overlay records it so later catalog rebuilds keep the flag. It reports
// false if the product is unknown or already sold.
func (s *Synchronizer) MarkSold(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, p := range s.state.Products {
		if p.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 || s.state.Products[idx].Sold {
		return false
	}
	if s.state.Network.Mode == models.ModeDemo && !s.overlay.MarkSold(id) {
		return false
	}
	s.state.Products[idx].Sold = true
	s.writes++
	s.logger.Info("product marked sold", "id", id, "mode", s.state.Network.Mode)
	return true
}

// AddDemoProduct lists a synthetic product and rebuilds the demo catalog.
func (s *Synchronizer) AddDemoProduct(name string, price *big.Int) (models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Network.Mode != models.ModeDemo {
		return models.Product{}, fmt.Errorf("demo listing on %s network", s.state.Network.Mode)
	}
	p := s.overlay.Add(name, price, s.state.Account, s.observed)
	s.writes++
	s.state.Products = s.overlay.Catalog(s.observed, s.state.Account)
	return p, nil
}

// --- polling ---

// restartPolling cancels any running loop and starts a fresh one that
// refreshes immediately and then on every tick.
func (s *Synchronizer) restartPolling() {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	s.stopLocked()

	ctx, cancel := context.WithCancel(s.baseCtx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	s.logger.Info("starting poll loop", "poll_interval", s.cfg.PollInterval)
	go s.pollLoop(ctx, done)
}

// stopPolling cancels the running loop without waiting for it. The
// returned channel closes when the loop has exited.
func (s *Synchronizer) stopPolling() <-chan struct{} {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	return s.stopLocked()
}

func (s *Synchronizer) stopLocked() <-chan struct{} {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	done := s.done
	s.cancel, s.done = nil, nil
	return done
}

func (s *Synchronizer) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	s.poll(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Synchronizer) poll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
		s.logger.Debug("poll refresh incomplete", "error", err)
	}
}

// --- internals ---

func (s *Synchronizer) current() target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return target{account: s.state.Account, network: s.state.Network, epoch: s.epoch, writes: s.writes}
}

// commit applies a refresh result only if t is still the current
// account/network and no local write landed since the refresh began.
func (s *Synchronizer) commit(t target, apply func(*models.State)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.epoch != s.epoch || t.writes != s.writes {
		s.logger.Debug("dropping stale refresh result",
			"account", t.account,
			"network", t.network.ID,
		)
		return false
	}
	apply(&s.state)
	return true
}

// raise records a network-level condition. The first definite one sticks
// until the network changes; an Unknown condition only holds until a
// definite one replaces it or the address is probed successfully.
func (s *Synchronizer) raise(t target, c models.Condition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.epoch != s.epoch {
		return
	}
	cur := s.state.Condition
	if cur == nil || (cur.Kind == models.ConditionUnknown && c.Kind != models.ConditionUnknown) {
		s.state.Condition = &c
	}
}

// clearUnknown drops an Unknown condition raised for address.
func (s *Synchronizer) clearUnknown(t target, address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.epoch != s.epoch {
		return
	}
	if c := s.state.Condition; c != nil && c.Kind == models.ConditionUnknown && c.Address == address {
		s.state.Condition = nil
		s.logger.Info("contract validation recovered", "address", address, "network", t.network.ID)
	}
}

func (s *Synchronizer) begin() {
	s.mu.Lock()
	s.inflight++
	s.mu.Unlock()
}

func (s *Synchronizer) end() {
	s.mu.Lock()
	s.inflight--
	s.mu.Unlock()
}

func (s *Synchronizer) fetchBalance(ctx context.Context, t target) (*big.Int, error) {
	switch t.network.Mode {
	case models.ModeDemo:
		return s.overlay.Balance(), nil
	case models.ModeUnsupported:
		return big.NewInt(0), nil
	}

	token := s.reader.TokenAddress()
	if err := s.checkDeployed(ctx, t, token, "token"); err != nil {
		return big.NewInt(0), err
	}

	bal, err := s.reader.BalanceOf(ctx, t.account)
	if err != nil {
		s.logger.Warn("balance read failed",
			"address", token,
			"network", t.network.ID,
			"method", "balanceOf",
			"error", err,
		)
		if ledger.IsInterfaceMismatch(err) {
			s.raise(t, s.mismatch(t, token, "Token contract"))
		}
		return big.NewInt(0), err
	}
	return bal, nil
}

// fetchProducts reports live=true when the result came from the ledger.
func (s *Synchronizer) fetchProducts(ctx context.Context, t target) ([]models.Product, bool, error) {
	switch t.network.Mode {
	case models.ModeDemo:
		s.mu.Lock()
		observed := s.observed
		s.mu.Unlock()
		return s.overlay.Catalog(observed, t.account), false, nil
	case models.ModeUnsupported:
		return []models.Product{}, false, nil
	}

	market := s.reader.MarketplaceAddress()
	if err := s.checkDeployed(ctx, t, market, "marketplace"); err != nil {
		return []models.Product{}, false, err
	}

	count, err := s.reader.ProductCount(ctx)
	if err != nil {
		return s.catalogFailure(t, market, "productCount", err)
	}
	if count == 0 {
		return []models.Product{}, true, nil
	}

	products, err := s.reader.GetProducts(ctx)
	if err != nil {
		return s.catalogFailure(t, market, "getProducts", err)
	}
	return products, true, nil
}

func (s *Synchronizer) catalogFailure(t target, market, method string, err error) ([]models.Product, bool, error) {
	s.logger.Warn("catalog read failed",
		"address", market,
		"network", t.network.ID,
		"method", method,
		"error", err,
	)
	if !ledger.IsInterfaceMismatch(err) {
		return []models.Product{}, false, err
	}

	s.raise(t, s.mismatch(t, market, "Contract"))
	if label, ok := s.cfg.Fallbacks[t.network.ID]; ok {
		s.logger.Warn("showing placeholder catalog after interface mismatch",
			"network", t.network.ID,
			"label", label,
		)
		return []models.Product{s.overlay.Fallback(label, t.account)}, false, err
	}
	return []models.Product{}, false, err
}

func (s *Synchronizer) checkDeployed(ctx context.Context, t target, address, what string) error {
	res, err := s.probe.Check(ctx, address, t.network.ID)
	if err != nil {
		s.raise(t, models.Condition{
			Kind:      models.ConditionUnknown,
			Address:   address,
			NetworkID: t.network.ID,
			Message:   "Could not validate contracts. Please check addresses and network connection.",
		})
		return err
	}
	s.clearUnknown(t, address)
	if res.HasCode {
		return nil
	}
	s.raise(t, models.Condition{
		Kind:      models.ConditionNoDeployment,
		Address:   address,
		NetworkID: t.network.ID,
		Message: fmt.Sprintf("No %s contract found at address %s on %s. Please deploy your contracts to this network first.",
			what, address, t.network.DisplayName),
	})
	return fmt.Errorf("%s at %s on network %s: %w", what, address, t.network.ID, ErrNoDeployment)
}

func (s *Synchronizer) mismatch(t target, address, what string) models.Condition {
	msg := fmt.Sprintf("%s at %s on %s doesn't match the expected interface.", what, shortAddr(address), t.network.DisplayName)
	if label, ok := s.cfg.Fallbacks[t.network.ID]; ok {
		msg += fmt.Sprintf(" Have you deployed your contracts to %s?", label)
	}
	return models.Condition{
		Kind:      models.ConditionInterfaceMismatch,
		Address:   address,
		NetworkID: t.network.ID,
		Message:   msg,
	}
}

func cloneProducts(in []models.Product) []models.Product {
	out := make([]models.Product, len(in))
	for i, p := range in {
		out[i] = p.Clone()
	}
	return out
}

func shortAddr(a string) string {
	if len(a) <= 14 {
		return a
	}
	return a[:8] + "..." + a[len(a)-6:]
}
