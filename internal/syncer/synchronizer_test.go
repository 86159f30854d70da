package syncer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olehkaliuzhnyi/marketplace-client/internal/demo"
	"github.com/olehkaliuzhnyi/marketplace-client/internal/ledger"
	"github.com/olehkaliuzhnyi/marketplace-client/internal/ledger/ledgertest"
	"github.com/olehkaliuzhnyi/marketplace-client/internal/network"
	"github.com/olehkaliuzhnyi/marketplace-client/internal/units"
	"github.com/olehkaliuzhnyi/marketplace-client/pkg/models"
)

const (
	alice = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	bob   = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

func newTestSync(t *testing.T, f *ledgertest.Fake, chainID string) *Synchronizer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PollInterval = time.Hour
	s := New(cfg, f, network.NewProbe(f), demo.NewOverlay(units.MustParse("1000", 18), 18))
	s.SetNetwork(network.NewResolver().Resolve(chainID))
	t.Cleanup(s.Stop)
	return s
}

func TestRefreshBalance_Live(t *testing.T) {
	f := ledgertest.NewFake()
	f.SetBalance(alice, big.NewInt(42))
	s := newTestSync(t, f, network.ChainHardhat)
	s.mu.Lock()
	s.state.Account = alice
	s.mu.Unlock()

	bal, err := s.RefreshBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), bal.Int64())
	assert.Equal(t, int64(42), s.Snapshot().Balance.Int64())
	assert.Nil(t, s.Snapshot().Condition)
}

func TestRefreshBalance_NoAccount(t *testing.T) {
	s := newTestSync(t, ledgertest.NewFake(), network.ChainHardhat)
	_, err := s.RefreshBalance(context.Background())
	assert.ErrorIs(t, err, ErrNoAccount)
}

func TestRefreshBalance_Coalesced(t *testing.T) {
	f := ledgertest.NewFake()
	f.SetBalance(alice, big.NewInt(9))
	s := newTestSync(t, f, network.ChainHardhat)
	s.mu.Lock()
	s.state.Account = alice
	s.mu.Unlock()

	entered, release := f.Block(ledgertest.MethodBalanceOf)
	defer release()

	var wg sync.WaitGroup
	results := make([]*big.Int, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bal, err := s.RefreshBalance(context.Background())
			assert.NoError(t, err)
			results[i] = bal
		}(i)
		if i == 0 {
			<-entered
			assert.True(t, s.Snapshot().Refreshing)
		}
	}
	// let the second caller join the flight before it resolves
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()

	assert.Equal(t, 1, f.Count(ledgertest.MethodBalanceOf))
	assert.Equal(t, int64(9), results[0].Int64())
	assert.Equal(t, int64(9), results[1].Int64())
	assert.False(t, s.Snapshot().Refreshing)
}

func TestRefreshBalance_StaleResultDropped(t *testing.T) {
	f := ledgertest.NewFake()
	f.SetBalance(alice, big.NewInt(100))
	f.SetBalance(bob, big.NewInt(7))
	s := newTestSync(t, f, network.ChainHardhat)
	s.mu.Lock()
	s.state.Account = alice
	s.mu.Unlock()

	entered, release := f.Block(ledgertest.MethodBalanceOf)
	defer release()

	type result struct {
		bal *big.Int
		err error
	}
	done := make(chan result, 1)
	go func() {
		bal, err := s.RefreshBalance(context.Background())
		done <- result{bal, err}
	}()
	<-entered

	s.SetAccount(bob)
	release()

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, int64(100), res.bal.Int64(), "caller still sees what it asked for")

	assert.Eventually(t, func() bool {
		return s.Snapshot().Balance.Int64() == 7
	}, time.Second, 10*time.Millisecond)
	snap := s.Snapshot()
	assert.Equal(t, bob, snap.Account)
	assert.NotEqual(t, int64(100), snap.Balance.Int64())
}

func TestRefresh_DemoMakesNoRemoteCalls(t *testing.T) {
	f := ledgertest.NewFake()
	s := newTestSync(t, f, network.ChainMainnet)
	s.mu.Lock()
	s.state.Account = alice
	s.mu.Unlock()

	require.NoError(t, s.Refresh(context.Background()))

	snap := s.Snapshot()
	assert.Equal(t, "1000.0", units.Format(snap.Balance, 18))
	require.Len(t, snap.Products, 2)
	assert.Equal(t, "Test Product 1", snap.Products[0].Name)
	assert.Equal(t, alice, snap.Products[0].Seller)
	assert.Empty(t, f.Calls())
}

func TestRefresh_UnsupportedNetwork(t *testing.T) {
	f := ledgertest.NewFake()
	s := newTestSync(t, f, "garbage")
	s.mu.Lock()
	s.state.Account = alice
	s.mu.Unlock()

	require.NoError(t, s.Refresh(context.Background()))
	snap := s.Snapshot()
	assert.Equal(t, models.ModeUnsupported, snap.Network.Mode)
	assert.Equal(t, int64(0), snap.Balance.Int64())
	assert.Empty(t, snap.Products)
	assert.Empty(t, f.Calls())
}

func TestRefresh_NoDeployment(t *testing.T) {
	f := ledgertest.NewFake()
	f.Undeploy(ledgertest.TokenAddress)
	f.Undeploy(ledgertest.MarketplaceAddress)
	f.SetBalance(alice, big.NewInt(5))
	s := newTestSync(t, f, network.ChainHardhat)
	s.mu.Lock()
	s.state.Account = alice
	s.mu.Unlock()
	ctx := context.Background()

	bal, err := s.RefreshBalance(ctx)
	assert.ErrorIs(t, err, ErrNoDeployment)
	assert.Equal(t, int64(0), bal.Int64())

	products, err := s.RefreshProducts(ctx)
	assert.ErrorIs(t, err, ErrNoDeployment)
	assert.Empty(t, products)

	snap := s.Snapshot()
	require.NotNil(t, snap.Condition)
	assert.Equal(t, models.ConditionNoDeployment, snap.Condition.Kind)
	assert.Equal(t, ledgertest.TokenAddress, snap.Condition.Address, "first condition sticks")
	assert.Contains(t, snap.Condition.Message, "Hardhat Local")

	assert.Zero(t, f.Count(ledgertest.MethodBalanceOf))
	assert.Zero(t, f.Count(ledgertest.MethodProductCount))

	// negative probe results are cached until the network changes
	_, _ = s.RefreshBalance(ctx)
	assert.Equal(t, 2, f.Count(ledgertest.MethodCodeAt))
}

func TestRefreshProducts_EmptyCountSkipsFetch(t *testing.T) {
	f := ledgertest.NewFake()
	s := newTestSync(t, f, network.ChainHardhat)

	products, err := s.RefreshProducts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, products)
	assert.Zero(t, f.Count(ledgertest.MethodGetProducts))
}

func TestRefreshProducts_Live(t *testing.T) {
	f := ledgertest.NewFake()
	f.AddProduct(models.Product{ID: 1, Name: "Lamp", Price: big.NewInt(10), Seller: bob})
	s := newTestSync(t, f, network.ChainHardhat)

	products, err := s.RefreshProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.False(t, products[0].Synthetic)

	p, ok := s.Product(1)
	require.True(t, ok)
	assert.Equal(t, "Lamp", p.Name)
}

func TestRefreshProducts_InterfaceMismatch(t *testing.T) {
	mismatch := fmt.Errorf("productCount: %w", ledger.ErrInterfaceMismatch)

	t.Run("sepolia shows placeholder", func(t *testing.T) {
		f := ledgertest.NewFake()
		f.FailOn(ledgertest.MethodProductCount, mismatch)
		s := newTestSync(t, f, network.ChainSepolia)

		products, err := s.RefreshProducts(context.Background())
		assert.True(t, ledger.IsInterfaceMismatch(err))
		require.Len(t, products, 1)
		assert.Equal(t, "Demo Product (Sepolia)", products[0].Name)
		assert.True(t, products[0].Synthetic)

		snap := s.Snapshot()
		require.NotNil(t, snap.Condition)
		assert.Equal(t, models.ConditionInterfaceMismatch, snap.Condition.Kind)
		assert.Contains(t, snap.Condition.Message, "Have you deployed your contracts to Sepolia?")
	})

	t.Run("other networks stay empty", func(t *testing.T) {
		f := ledgertest.NewFake()
		f.FailOn(ledgertest.MethodProductCount, mismatch)
		s := newTestSync(t, f, network.ChainHardhat)

		products, err := s.RefreshProducts(context.Background())
		assert.True(t, ledger.IsInterfaceMismatch(err))
		assert.Empty(t, products)
		snap := s.Snapshot()
		require.NotNil(t, snap.Condition)
		assert.NotContains(t, snap.Condition.Message, "Have you deployed")
	})
}

func TestRefresh_TransportErrorNotCondition(t *testing.T) {
	f := ledgertest.NewFake()
	f.FailOn(ledgertest.MethodBalanceOf, errors.New("connection refused"))
	s := newTestSync(t, f, network.ChainHardhat)
	s.mu.Lock()
	s.state.Account = alice
	s.mu.Unlock()

	bal, err := s.RefreshBalance(context.Background())
	assert.Error(t, err)
	assert.Equal(t, int64(0), bal.Int64())
	assert.Nil(t, s.Snapshot().Condition)
}

func TestSetNetwork_ClearsCondition(t *testing.T) {
	f := ledgertest.NewFake()
	f.Undeploy(ledgertest.MarketplaceAddress)
	s := newTestSync(t, f, network.ChainHardhat)

	_, _ = s.RefreshProducts(context.Background())
	require.NotNil(t, s.Snapshot().Condition)

	s.SetNetwork(network.NewResolver().Resolve(network.ChainSepolia))
	snap := s.Snapshot()
	assert.Nil(t, snap.Condition)
	assert.Empty(t, snap.Products)
	assert.Equal(t, "Sepolia Testnet", snap.Network.DisplayName)
}

func TestSetAccount_PollsImmediatelyAndStops(t *testing.T) {
	f := ledgertest.NewFake()
	f.SetBalance(alice, big.NewInt(3))
	s := newTestSync(t, f, network.ChainHardhat)
	s.Start(context.Background())

	s.SetAccount(alice)
	assert.Eventually(t, func() bool {
		return s.Snapshot().Balance.Int64() == 3
	}, time.Second, 10*time.Millisecond)

	s.SetAccount("")
	assert.Empty(t, s.Snapshot().Account)
	s.pollMu.Lock()
	assert.Nil(t, s.cancel, "empty account stops polling")
	s.pollMu.Unlock()
}

func TestPollLoop_Ticks(t *testing.T) {
	f := ledgertest.NewFake()
	s := New(Config{PollInterval: 20 * time.Millisecond}, f, network.NewProbe(f), demo.NewOverlay(big.NewInt(0), 18))
	s.SetNetwork(network.NewResolver().Resolve(network.ChainHardhat))
	s.Start(context.Background())
	s.SetAccount(alice)

	assert.Eventually(t, func() bool {
		return f.Count(ledgertest.MethodBalanceOf) >= 3
	}, time.Second, 10*time.Millisecond)
	s.Stop()

	n := f.Count(ledgertest.MethodBalanceOf)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, f.Count(ledgertest.MethodBalanceOf), "no polls after Stop")
}

func TestMarkSold(t *testing.T) {
	f := ledgertest.NewFake()
	s := newTestSync(t, f, network.ChainMainnet)
	_, err := s.RefreshProducts(context.Background())
	require.NoError(t, err)

	assert.True(t, s.MarkSold(1))
	assert.False(t, s.MarkSold(1), "already sold")
	assert.False(t, s.MarkSold(99), "unknown product")

	// the overlay keeps the flag across catalog rebuilds
	products, err := s.RefreshProducts(context.Background())
	require.NoError(t, err)
	assert.True(t, products[0].Sold)
}

func TestAddDemoProduct(t *testing.T) {
	f := ledgertest.NewFake()
	s := newTestSync(t, f, network.ChainMainnet)
	_, err := s.RefreshProducts(context.Background())
	require.NoError(t, err)

	p, err := s.AddDemoProduct("Chair", big.NewInt(5))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), p.ID)
	assert.Len(t, s.Snapshot().Products, 3)

	live := newTestSync(t, ledgertest.NewFake(), network.ChainHardhat)
	_, err = live.AddDemoProduct("Chair", big.NewInt(5))
	assert.Error(t, err)
}

func TestRefreshBalance_AfterWriteStartsFreshRead(t *testing.T) {
	f := ledgertest.NewFake()
	f.SetBalance(alice, big.NewInt(100))
	f.AddProduct(models.Product{ID: 1, Name: "Lamp", Price: big.NewInt(10), Seller: bob})
	s := newTestSync(t, f, network.ChainHardhat)
	s.mu.Lock()
	s.state.Account = alice
	s.mu.Unlock()
	_, err := s.RefreshProducts(context.Background())
	require.NoError(t, err)

	entered, release := f.Block(ledgertest.MethodBalanceOf)
	defer release()

	// a poll read is in flight when the purchase lands
	polled := make(chan struct{})
	go func() {
		defer close(polled)
		_, _ = s.RefreshBalance(context.Background())
	}()
	<-entered

	f.SetBalance(alice, big.NewInt(90))
	s.Invalidate()
	require.True(t, s.MarkSold(1))

	fresh := make(chan *big.Int, 1)
	go func() {
		bal, err := s.RefreshBalance(context.Background())
		assert.NoError(t, err)
		fresh <- bal
	}()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("refresh after the write joined the older read")
	}
	release()

	assert.Equal(t, int64(90), (<-fresh).Int64())
	<-polled
	assert.Equal(t, 2, f.Count(ledgertest.MethodBalanceOf))
	assert.Equal(t, int64(90), s.Snapshot().Balance.Int64())
}

func TestCommit_DropsResultsStartedBeforeWrite(t *testing.T) {
	f := ledgertest.NewFake()
	f.AddProduct(models.Product{ID: 1, Name: "Lamp", Price: big.NewInt(10), Seller: bob})
	s := newTestSync(t, f, network.ChainHardhat)
	before, err := s.RefreshProducts(context.Background())
	require.NoError(t, err)

	stale := s.current()
	require.True(t, s.MarkSold(1))

	applied := s.commit(stale, func(st *models.State) { st.Products = cloneProducts(before) })
	assert.False(t, applied)
	p, ok := s.Product(1)
	require.True(t, ok)
	assert.True(t, p.Sold, "sold flag survives a catalog read that predates it")
}

func TestCondition_UnknownGivesWayToDefiniteResult(t *testing.T) {
	ctx := context.Background()

	t.Run("no deployment replaces it", func(t *testing.T) {
		f := ledgertest.NewFake()
		f.FailOn(ledgertest.MethodCodeAt, errors.New("connection reset"))
		s := newTestSync(t, f, network.ChainHardhat)

		_, err := s.RefreshProducts(ctx)
		require.Error(t, err)
		require.NotNil(t, s.Snapshot().Condition)
		assert.Equal(t, models.ConditionUnknown, s.Snapshot().Condition.Kind)

		f.FailOn(ledgertest.MethodCodeAt, nil)
		f.Undeploy(ledgertest.MarketplaceAddress)
		_, err = s.RefreshProducts(ctx)
		assert.ErrorIs(t, err, ErrNoDeployment)

		snap := s.Snapshot()
		require.NotNil(t, snap.Condition)
		assert.Equal(t, models.ConditionNoDeployment, snap.Condition.Kind)
	})

	t.Run("successful code lookup clears it", func(t *testing.T) {
		f := ledgertest.NewFake()
		f.FailOn(ledgertest.MethodCodeAt, errors.New("connection reset"))
		s := newTestSync(t, f, network.ChainHardhat)

		require.Error(t, s.Validate(ctx))
		require.NotNil(t, s.Snapshot().Condition)

		f.FailOn(ledgertest.MethodCodeAt, nil)
		require.NoError(t, s.Validate(ctx))
		assert.Nil(t, s.Snapshot().Condition)
	})

	t.Run("definite condition still sticks", func(t *testing.T) {
		f := ledgertest.NewFake()
		f.Undeploy(ledgertest.MarketplaceAddress)
		s := newTestSync(t, f, network.ChainHardhat)

		_, _ = s.RefreshProducts(ctx)
		f.FailOn(ledgertest.MethodCodeAt, errors.New("connection reset"))
		_ = s.Validate(ctx)

		snap := s.Snapshot()
		require.NotNil(t, snap.Condition)
		assert.Equal(t, models.ConditionNoDeployment, snap.Condition.Kind)
	})
}

func TestAddDemoProduct_BeforeFirstCatalog(t *testing.T) {
	s := newTestSync(t, ledgertest.NewFake(), network.ChainMainnet)
	s.mu.Lock()
	s.state.Account = alice
	s.mu.Unlock()

	p, err := s.AddDemoProduct("Chair", big.NewInt(5))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), p.ID)

	products, err := s.RefreshProducts(context.Background())
	require.NoError(t, err)
	ids := make(map[uint64]bool)
	for _, p := range products {
		assert.False(t, ids[p.ID], "duplicate id %d", p.ID)
		ids[p.ID] = true
	}
	assert.Len(t, products, 3)
}

func TestRestartPolling_ConcurrentKeepsOneLoop(t *testing.T) {
	f := ledgertest.NewFake()
	s := New(Config{PollInterval: 20 * time.Millisecond}, f, network.NewProbe(f), demo.NewOverlay(big.NewInt(0), 18))
	s.SetNetwork(network.NewResolver().Resolve(network.ChainHardhat))
	s.mu.Lock()
	s.state.Account = alice
	s.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.restartPolling()
		}()
	}
	wg.Wait()
	s.Stop()
	// canceled loops may finish a poll already under way
	time.Sleep(30 * time.Millisecond)

	n := f.Count(ledgertest.MethodBalanceOf)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, n, f.Count(ledgertest.MethodBalanceOf), "no loop survives Stop")
}
