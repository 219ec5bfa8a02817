package model

import (
	"math/big"
	"time"

	"github.com/ggonzalez94/yieldvault/internal/id"
	"github.com/shopspring/decimal"
)

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Command   string         `json:"command"`
	Sources   []SourceStatus `json:"sources,omitempty"`
	Events    []Event        `json:"events,omitempty"`
	Partial   bool           `json:"partial"`
}

type SourceStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
}

// ChainYieldReading is one observation of a chain's yield. Readings are
// never mutated; a newer reading for the same chain supersedes an older one.
type ChainYieldReading struct {
	ChainID   id.ChainID `json:"chain_id"`
	APRBps    uint32     `json:"apr_bps"`
	TVL       *big.Int   `json:"tvl"`
	Timestamp time.Time  `json:"timestamp"`
	Source    string     `json:"source"`
}

// Age reports how old the reading is at now. Readings from the future are age zero.
func (r ChainYieldReading) Age(now time.Time) time.Duration {
	age := now.Sub(r.Timestamp)
	if age < 0 {
		return 0
	}
	return age
}

type PriceReading struct {
	Asset      string          `json:"asset"`
	Price      decimal.Decimal `json:"price"`
	Confidence decimal.Decimal `json:"confidence"`
	Timestamp  time.Time       `json:"timestamp"`
	Source     string          `json:"source"`
}

type RebalanceOpportunity struct {
	FromChain       id.ChainID `json:"from_chain"`
	ToChain         id.ChainID `json:"to_chain"`
	FromAPRBps      uint32     `json:"from_apr_bps"`
	ToAPRBps        uint32     `json:"to_apr_bps"`
	APRDeltaBps     uint32     `json:"apr_delta_bps"`
	EstimatedAmount *big.Int   `json:"estimated_amount"`
	EstimatedGas    *big.Int   `json:"estimated_gas"`
}

type TransferStatus string

const (
	TransferStatusPending   TransferStatus = "pending"
	TransferStatusConfirmed TransferStatus = "confirmed"
	TransferStatusFailed    TransferStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s TransferStatus) Terminal() bool {
	return s == TransferStatusConfirmed || s == TransferStatusFailed
}

type TransferKind string

const (
	TransferKindSend      TransferKind = "send"
	TransferKindRebalance TransferKind = "rebalance"
	TransferKindBatch     TransferKind = "batch"
)

type TransferRecord struct {
	TxRef          string         `json:"tx_ref"`
	VaultID        string         `json:"vault_id"`
	Kind           TransferKind   `json:"kind"`
	BatchID        string         `json:"batch_id,omitempty"`
	SourceChain    id.ChainID     `json:"source_chain"`
	DestChain      id.ChainID     `json:"dest_chain"`
	To             string         `json:"to"`
	Amount         *big.Int       `json:"amount"`
	AgentID        string         `json:"agent_id,omitempty"`
	APRCheckPassed bool           `json:"apr_check_passed"`
	SourceAPRBps   uint32         `json:"source_apr_bps"`
	DestAPRBps     uint32         `json:"dest_apr_bps"`
	Status         TransferStatus `json:"status"`
	Error          string         `json:"error,omitempty"`
	TransportRef   string         `json:"transport_ref,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

type EventType string

const (
	EventDeposit                EventType = "Deposit"
	EventWithdraw               EventType = "Withdraw"
	EventAPRCheckPassed         EventType = "APRCheckPassed"
	EventBatchTransferCompleted EventType = "BatchTransferCompleted"
	EventTransferFailed         EventType = "TransferFailed"
	EventTransferConfirmed      EventType = "TransferConfirmed"
)

type Event struct {
	Type    EventType         `json:"type"`
	VaultID string            `json:"vault_id,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
	At      time.Time         `json:"at"`
}

// EventSink receives ledger and transfer events.
type EventSink interface {
	Emit(Event)
}

type NopSink struct{}

func (NopSink) Emit(Event) {}
