// Package ledgertest provides an in-memory ledger that records every call.
package ledgertest

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/olehkaliuzhnyi/marketplace-client/internal/ledger"
	"github.com/olehkaliuzhnyi/marketplace-client/pkg/models"
)

// Method names recorded by Fake.
const (
	MethodCodeAt       = "CodeAt"
	MethodBalanceOf    = "BalanceOf"
	MethodAllowance    = "Allowance"
	MethodProductCount = "ProductCount"
	MethodGetProducts  = "GetProducts"
	MethodApprove      = "Approve"
	MethodListProduct  = "ListProduct"
	MethodBuyProduct   = "BuyProduct"
	MethodWaitMined    = "WaitMined"
)

var writeMethods = map[string]bool{
	MethodApprove:     true,
	MethodListProduct: true,
	MethodBuyProduct:  true,
}

// Default contract addresses used by NewFake.
const (
	TokenAddress       = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	MarketplaceAddress = "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
)

type gate struct {
	entered chan struct{}
	release chan struct{}
}

// Fake is a ledger.Ledger backed by maps. Writes take effect when the
// returned transaction is waited on, mimicking mining.
type Fake struct {
	mu         sync.Mutex
	token      string
	market     string
	code       map[string][]byte
	balances   map[string]*big.Int
	allowances map[string]*big.Int
	products   []models.Product
	errs       map[string]error
	waitErrs   map[string]error
	gates      map[string]*gate
	pending    map[string]func()
	calls      []string
	nextTx     int
}

var _ ledger.Ledger = (*Fake)(nil)

// NewFake returns a ledger with both contracts deployed and no products.
func NewFake() *Fake {
	f := &Fake{
		token:      TokenAddress,
		market:     MarketplaceAddress,
		code:       make(map[string][]byte),
		balances:   make(map[string]*big.Int),
		allowances: make(map[string]*big.Int),
		errs:       make(map[string]error),
		waitErrs:   make(map[string]error),
		gates:      make(map[string]*gate),
		pending:    make(map[string]func()),
	}
	f.code[key(TokenAddress)] = []byte{0x60, 0x80}
	f.code[key(MarketplaceAddress)] = []byte{0x60, 0x80}
	return f
}

func key(s string) string { return strings.ToLower(s) }

// Undeploy removes the code at address.
func (f *Fake) Undeploy(address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.code, key(address))
}

// SetBalance sets owner's token balance.
func (f *Fake) SetBalance(owner string, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[key(owner)] = new(big.Int).Set(amount)
}

// SetAllowance sets what spender may move on owner's behalf.
func (f *Fake) SetAllowance(owner, spender string, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowances[key(owner)+"|"+key(spender)] = new(big.Int).Set(amount)
}

// AddProduct appends a product as if it had been listed on chain.
func (f *Fake) AddProduct(p models.Product) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.products = append(f.products, p.Clone())
}

// FailOn makes every call to method return err.
func (f *Fake) FailOn(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[method] = err
}

// FailMining makes waiting on a write of method return err, leaving state unchanged.
func (f *Fake) FailMining(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitErrs[method] = err
}

// Block holds calls to method until release is called. entered receives
// one value per call that reaches the gate.
func (f *Fake) Block(method string) (entered <-chan struct{}, release func()) {
	g := &gate{entered: make(chan struct{}, 64), release: make(chan struct{})}
	f.mu.Lock()
	f.gates[method] = g
	f.mu.Unlock()
	var once sync.Once
	return g.entered, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.gates, method)
			f.mu.Unlock()
			close(g.release)
		})
	}
}

// Calls returns every recorded method name in call order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Count returns how many times method was called.
func (f *Fake) Count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

// Writes returns how many write calls were made.
func (f *Fake) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if writeMethods[c] {
			n++
		}
	}
	return n
}

// enter records the call, waits on any gate and returns the forced error.
func (f *Fake) enter(ctx context.Context, method string) error {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	g := f.gates[method]
	err := f.errs[method]
	f.mu.Unlock()

	if g != nil {
		g.entered <- struct{}{}
		select {
		case <-g.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *Fake) TokenAddress() string       { return f.token }
func (f *Fake) MarketplaceAddress() string { return f.market }

func (f *Fake) CodeAt(ctx context.Context, address string) ([]byte, error) {
	if err := f.enter(ctx, MethodCodeAt); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code[key(address)], nil
}

func (f *Fake) BalanceOf(ctx context.Context, owner string) (*big.Int, error) {
	if err := f.enter(ctx, MethodBalanceOf); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balanceLocked(owner), nil
}

func (f *Fake) Allowance(ctx context.Context, owner, spender string) (*big.Int, error) {
	if err := f.enter(ctx, MethodAllowance); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.allowances[key(owner)+"|"+key(spender)]; ok {
		return new(big.Int).Set(a), nil
	}
	return big.NewInt(0), nil
}

func (f *Fake) ProductCount(ctx context.Context) (uint64, error) {
	if err := f.enter(ctx, MethodProductCount); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.products)), nil
}

func (f *Fake) GetProducts(ctx context.Context) ([]models.Product, error) {
	if err := f.enter(ctx, MethodGetProducts); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Product, len(f.products))
	for i, p := range f.products {
		out[i] = p.Clone()
	}
	return out, nil
}

func (f *Fake) Approve(ctx context.Context, opts ledger.WriteOpts, spender string, amount *big.Int) (*models.Transaction, error) {
	if err := f.enter(ctx, MethodApprove); err != nil {
		return nil, err
	}
	amt := new(big.Int).Set(amount)
	return f.submit(opts.From, f.token, "approve", func() {
		f.allowances[key(opts.From)+"|"+key(spender)] = amt
	}), nil
}

func (f *Fake) ListProduct(ctx context.Context, opts ledger.WriteOpts, name string, price *big.Int) (*models.Transaction, error) {
	if err := f.enter(ctx, MethodListProduct); err != nil {
		return nil, err
	}
	p := models.Product{Name: name, Price: new(big.Int).Set(price), Seller: opts.From}
	return f.submit(opts.From, f.market, "listProduct", func() {
		p.ID = uint64(len(f.products) + 1)
		f.products = append(f.products, p)
	}), nil
}

func (f *Fake) BuyProduct(ctx context.Context, opts ledger.WriteOpts, id uint64) (*models.Transaction, error) {
	if err := f.enter(ctx, MethodBuyProduct); err != nil {
		return nil, err
	}
	return f.submit(opts.From, f.market, "buyProduct", func() {
		for i := range f.products {
			p := &f.products[i]
			if p.ID != id {
				continue
			}
			p.Sold = true
			buyer := f.balanceLocked(opts.From)
			f.balances[key(opts.From)] = new(big.Int).Sub(buyer, p.Price)
			seller := f.balanceLocked(p.Seller)
			f.balances[key(p.Seller)] = new(big.Int).Add(seller, p.Price)
		}
	}), nil
}

func (f *Fake) WaitMined(ctx context.Context, t *models.Transaction) error {
	if err := f.enter(ctx, MethodWaitMined); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	effect, ok := f.pending[t.TxHash]
	if !ok {
		return fmt.Errorf("unknown transaction %s", t.TxHash)
	}
	delete(f.pending, t.TxHash)
	if err := f.waitErrs[methodOf(t.Method)]; err != nil {
		return err
	}
	effect()
	return nil
}

func (f *Fake) submit(from, to, method string, effect func()) *models.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTx++
	t := &models.Transaction{
		From:   from,
		To:     to,
		Method: method,
		Signed: true,
		TxHash: fmt.Sprintf("0x%064x", f.nextTx),
	}
	f.pending[t.TxHash] = effect
	return t
}

func (f *Fake) balanceLocked(owner string) *big.Int {
	if b, ok := f.balances[key(owner)]; ok {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}

// methodOf maps an on-chain method name to the Fake's method constant.
func methodOf(abiName string) string {
	switch abiName {
	case "approve":
		return MethodApprove
	case "listProduct":
		return MethodListProduct
	case "buyProduct":
		return MethodBuyProduct
	}
	return abiName
}
