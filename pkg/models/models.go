package models

import "math/big"

// Mode is how the client talks to the connected network.
type Mode string

// Operating modes.
const (
	ModeLive        Mode = "live"
	ModeDemo        Mode = "demo"
	ModeUnsupported Mode = "unsupported"
)

// NetworkInfo describes the chain the wallet is connected to.
type NetworkInfo struct {
	ID          string `json:"id"`
	Mode        Mode   `json:"mode"`
	DisplayName string `json:"display_name"`
}

// Product is a marketplace listing. Price is in the token's smallest unit.
type Product struct {
	ID     uint64   `json:"id"`
	Name   string   `json:"name"`
	Price  *big.Int `json:"price"`
	Seller string   `json:"seller"`
	Sold   bool     `json:"sold"`
	// Synthetic marks records produced locally rather than read from the ledger.
	Synthetic bool `json:"synthetic,omitempty"`
}

// Clone returns a deep copy of p.
func (p Product) Clone() Product {
	if p.Price != nil {
		p.Price = new(big.Int).Set(p.Price)
	}
	return p
}

// ConditionKind classifies a persistent network-level problem.
type ConditionKind string

// Network-level condition kinds.
const (
	ConditionNoDeployment      ConditionKind = "NoDeployment"
	ConditionInterfaceMismatch ConditionKind = "InterfaceMismatch"
	ConditionUnknown           ConditionKind = "Unknown"
)

// Condition is shown until the network changes.
type Condition struct {
	Kind      ConditionKind `json:"kind"`
	Address   string        `json:"address"`
	NetworkID string        `json:"network_id"`
	Message   string        `json:"message"`
}

// Reason is why an operation run failed.
type Reason string

// Operation failure reasons.
const (
	ReasonNoDeployment       Reason = "NoDeployment"
	ReasonInterfaceMismatch  Reason = "InterfaceMismatch"
	ReasonInsufficientFunds  Reason = "InsufficientFunds"
	ReasonApprovalRejected   Reason = "ApprovalRejected"
	ReasonProductUnavailable Reason = "ProductUnavailable"
	ReasonPaymentFailed      Reason = "PaymentFailed"
	ReasonUnknown            Reason = "Unknown"
)

// State is the canonical client-side view handed to the view layer.
type State struct {
	Account    string      `json:"account"`
	Network    NetworkInfo `json:"network"`
	Balance    *big.Int    `json:"balance"`
	Products   []Product   `json:"products"`
	Condition  *Condition  `json:"condition,omitempty"`
	Refreshing bool        `json:"refreshing"`
}

// Transaction is a submitted ledger write.
type Transaction struct {
	Network   string   `json:"network"`
	From      string   `json:"from"`
	To        string   `json:"to"`
	Method    string   `json:"method"`
	Data      []byte   `json:"data,omitempty"`
	Nonce     uint64   `json:"nonce"`
	GasPrice  *big.Int `json:"gas_price,omitempty"`
	Signed    bool     `json:"signed"`
	TxHash    string   `json:"tx_hash,omitempty"`
	RawSigned []byte   `json:"-"`
}
