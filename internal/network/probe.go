package network

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// CodeReader returns the contract code stored at an address on the
// currently connected chain.
type CodeReader interface {
	CodeAt(ctx context.Context, address string) ([]byte, error)
}

// AvailabilityResult records whether an address hosts contract code.
type AvailabilityResult struct {
	Address   string
	NetworkID string
	HasCode   bool
}

type probeKey struct {
	address   string
	networkID string
}

// Probe caches code-existence checks per (address, network).
// Negative results are terminal until Reset; transport errors are not cached.
type Probe struct {
	reader CodeReader
	mu     sync.Mutex
	cache  map[probeKey]AvailabilityResult
	logger *slog.Logger
}

func NewProbe(reader CodeReader) *Probe {
	return &Probe{
		reader: reader,
		cache:  make(map[probeKey]AvailabilityResult),
		logger: slog.Default().With("component", "availability_probe"),
	}
}

func (p *Probe) Check(ctx context.Context, address, networkID string) (AvailabilityResult, error) {
	key := probeKey{address: strings.ToLower(address), networkID: networkID}

	p.mu.Lock()
	if res, ok := p.cache[key]; ok {
		p.mu.Unlock()
		return res, nil
	}
	p.mu.Unlock()

	code, err := p.reader.CodeAt(ctx, address)
	if err != nil {
		p.logger.Warn("code lookup failed",
			"address", address,
			"network", networkID,
			"method", "eth_getCode",
			"error", err,
		)
		return AvailabilityResult{}, fmt.Errorf("get code at %s: %w", address, err)
	}

	res := AvailabilityResult{Address: address, NetworkID: networkID, HasCode: hasCode(code)}
	if !res.HasCode {
		p.logger.Warn("no contract code at address", "address", address, "network", networkID)
	}

	p.mu.Lock()
	p.cache[key] = res
	p.mu.Unlock()
	return res, nil
}

// Reset evicts every cached result. Called on network change.
func (p *Probe) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = make(map[probeKey]AvailabilityResult)
}

// hasCode treats an empty result or a lone zero byte ("0x0") as not deployed.
func hasCode(code []byte) bool {
	if len(code) == 0 {
		return false
	}
	return !(len(code) == 1 && code[0] == 0)
}
