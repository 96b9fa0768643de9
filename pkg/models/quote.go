package models

import (
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/speedrun-hq/bridgerunner/pkg/amount"
)

// TxKind describes the role of a transaction within a leg
type TxKind string

const (
	TxKindApproval TxKind = "approval"
	TxKindPrimary  TxKind = "primary"
)

// TxRequest is an unsigned transaction prepared by a bridge adapter
type TxRequest struct {
	Kind     TxKind         `json:"kind"`
	ChainID  amount.ChainID `json:"chain_id"`
	From     string         `json:"from"`
	To       string         `json:"to"`
	Data     hexutil.Bytes  `json:"data,omitempty"`
	Value    *hexutil.Big   `json:"value,omitempty"`
	GasLimit uint64         `json:"gas_limit,omitempty"`
}

// Fee is one component of a quote's cost
type Fee struct {
	Name   string        `json:"name"`
	Token  amount.Token  `json:"token"`
	Amount amount.Amount `json:"amount"`
}

// Quote is a priced, time-bounded route proposal for a single leg
type Quote struct {
	ID                      string        `json:"id"`
	Adapter                 string        `json:"adapter"`
	LegIndex                int           `json:"leg_index"`
	InputToken              amount.Token  `json:"input_token"`
	OutputToken             amount.Token  `json:"output_token"`
	InputAmount             amount.Amount `json:"input_amount"`
	ExpectedOutputAmount    amount.Amount `json:"expected_output_amount"`
	MinOutputAmount         amount.Amount `json:"min_output_amount"`
	Fees                    []Fee         `json:"fees,omitempty"`
	ExpectedFillTimeSeconds int64         `json:"expected_fill_time_seconds"`
	RequiredPreTransactions []TxRequest   `json:"required_pre_transactions,omitempty"`
	PrimaryTransaction      TxRequest     `json:"primary_transaction"`
	// VendorRef is the adapter's own tracking id (request id, deposit address)
	VendorRef string    `json:"vendor_ref,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	// Degraded quotes come from the simulated adapter and are never executable
	Degraded bool `json:"degraded,omitempty"`
}

// Fresh reports whether the quote may still be executed at the given time
func (q *Quote) Fresh(now time.Time) bool {
	return now.Before(q.ExpiresAt)
}

// Transactions returns pre-transactions followed by the primary transaction
func (q *Quote) Transactions() []TxRequest {
	txs := make([]TxRequest, 0, len(q.RequiredPreTransactions)+1)
	txs = append(txs, q.RequiredPreTransactions...)
	return append(txs, q.PrimaryTransaction)
}
