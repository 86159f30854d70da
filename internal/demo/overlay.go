// Package demo simulates the marketplace locally for networks where the
// client must not, or cannot, talk to real contracts.
package demo

import (
	"log/slog"
	"math/big"
	"sync"

	"github.com/olehkaliuzhnyi/marketplace-client/internal/units"
	"github.com/olehkaliuzhnyi/marketplace-client/pkg/models"
)

// ZeroAddress is used as seller when no account is connected.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

type seed struct {
	name  string
	price string
}

var seeds = []seed{
	{name: "Test Product 1", price: "10"},
	{name: "Test Product 2", price: "20"},
}

// Overlay holds synthetic products layered on top of real ones. It never
// replaces real records; sold flags set here win over what was read.
type Overlay struct {
	mu        sync.Mutex
	decimals  int32
	balance   *big.Int
	seeded    bool
	synthetic []models.Product
	sold      map[uint64]bool
	logger    *slog.Logger
}

// NewOverlay returns an empty overlay. balance is the placeholder token
// balance reported in demo mode, in smallest units.
func NewOverlay(balance *big.Int, decimals int32) *Overlay {
	return &Overlay{
		decimals: decimals,
		balance:  new(big.Int).Set(balance),
		sold:     make(map[uint64]bool),
		logger:   slog.Default().With("component", "demo_overlay"),
	}
}

// Balance is the placeholder balance.
func (o *Overlay) Balance() *big.Int {
	return new(big.Int).Set(o.balance)
}

// Catalog merges real products with the synthetic ones, seeding the
// overlay on first use so a new user sees a non-empty catalog.
func (o *Overlay) Catalog(real []models.Product, account string) []models.Product {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seedLocked(account)

	out := make([]models.Product, 0, len(real)+len(o.synthetic))
	for _, p := range real {
		out = append(out, o.applyLocked(p))
	}
	for _, p := range o.synthetic {
		out = append(out, o.applyLocked(p))
	}
	return out
}

// Add appends a synthetic product with id max(existing)+1 across both the
// real and synthetic sets. The seed products are created first if needed,
// so ids never collide with them.
func (o *Overlay) Add(name string, price *big.Int, seller string, real []models.Product) models.Product {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seedLocked(seller)

	var maxID uint64
	for _, p := range real {
		if p.ID > maxID {
			maxID = p.ID
		}
	}
	for _, p := range o.synthetic {
		if p.ID > maxID {
			maxID = p.ID
		}
	}

	p := models.Product{
		ID:        maxID + 1,
		Name:      name,
		Price:     new(big.Int).Set(price),
		Seller:    seller,
		Synthetic: true,
	}
	o.synthetic = append(o.synthetic, p)
	o.logger.Info("demo product listed", "id", p.ID, "name", name)
	return p.Clone()
}

// MarkSold records a simulated purchase. It reports false when the product
// was already sold, leaving state unchanged.
func (o *Overlay) MarkSold(id uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sold[id] {
		return false
	}
	for _, p := range o.synthetic {
		if p.ID == id && p.Sold {
			return false
		}
	}
	o.sold[id] = true
	return true
}

// Fallback is the single placeholder shown when a live catalog read on a
// network with a configured fallback hits an interface mismatch.
func (o *Overlay) Fallback(label, account string) models.Product {
	seller := account
	if seller == "" {
		seller = ZeroAddress
	}
	return models.Product{
		ID:        1,
		Name:      "Demo Product (" + label + ")",
		Price:     units.MustParse("10", o.decimals),
		Seller:    seller,
		Synthetic: true,
	}
}

// Reset drops all synthetic products and sold overrides.
func (o *Overlay) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seeded = false
	o.synthetic = nil
	o.sold = make(map[uint64]bool)
}

func (o *Overlay) seedLocked(account string) {
	if o.seeded {
		return
	}
	seller := account
	if seller == "" {
		seller = ZeroAddress
	}
	for i, s := range seeds {
		o.synthetic = append(o.synthetic, models.Product{
			ID:        uint64(i + 1),
			Name:      s.name,
			Price:     units.MustParse(s.price, o.decimals),
			Seller:    seller,
			Synthetic: true,
		})
	}
	o.seeded = true
	o.logger.Info("seeded demo catalog", "products", len(o.synthetic))
}

func (o *Overlay) applyLocked(p models.Product) models.Product {
	p = p.Clone()
	if o.sold[p.ID] {
		p.Sold = true
	}
	return p
}
