// Package network maps wallet chain ids to operating modes and checks
// whether contract code is deployed on the connected chain.
package network

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/olehkaliuzhnyi/marketplace-client/pkg/models"
)

// Well-known chain ids.
const (
	ChainMainnet = "1"
	ChainGoerli  = "5"
	ChainPolygon = "137"
	ChainHardhat = "31337"
	ChainMumbai  = "80001"
	ChainSepolia = "11155111"
)

var displayNames = map[string]string{
	ChainMainnet: "Ethereum Mainnet",
	ChainSepolia: "Sepolia Testnet",
	ChainHardhat: "Hardhat Local",
	ChainGoerli:  "Goerli Testnet",
	ChainPolygon: "Polygon",
	ChainMumbai:  "Mumbai Testnet",
}

// Resolver maps raw chain identifiers to NetworkInfo.
type Resolver struct {
	names    map[string]string
	demoID   string
	fallback string
}

// NewResolver returns a Resolver with the built-in network table.
// Mainnet is the demo sandbox.
func NewResolver() *Resolver {
	return &Resolver{names: displayNames, demoID: ChainMainnet, fallback: "Network %s"}
}

// Resolve never fails: unknown ids are live networks with a generic name,
// and ids that cannot be parsed at all are unsupported.
func (r *Resolver) Resolve(rawChainID string) models.NetworkInfo {
	id, ok := NormalizeChainID(rawChainID)
	if !ok {
		return models.NetworkInfo{
			ID:          strings.TrimSpace(rawChainID),
			Mode:        models.ModeUnsupported,
			DisplayName: "Unsupported Network",
		}
	}

	name, known := r.names[id]
	if !known {
		name = fmt.Sprintf(r.fallback, id)
	}
	mode := models.ModeLive
	if id == r.demoID {
		mode = models.ModeDemo
	}
	return models.NetworkInfo{ID: id, Mode: mode, DisplayName: name}
}

// NormalizeChainID accepts "0x7a69" or "31337" and returns the decimal form.
func NormalizeChainID(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	n := new(big.Int)
	var ok bool
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		_, ok = n.SetString(s[2:], 16)
	} else {
		_, ok = n.SetString(s, 10)
	}
	if !ok || n.Sign() <= 0 {
		return "", false
	}
	return n.String(), true
}
