// Package transport hands cross-chain transfer messages to an external
// delivery channel. A successful Send means the channel accepted the
// message, not that it was delivered; delivery is at-least-once and the
// remote credit is reported back separately.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ggonzalez94/yieldvault/internal/id"
)

type Message struct {
	TxRef       string     `json:"tx_ref"`
	VaultID     string     `json:"vault_id"`
	Kind        string     `json:"kind"`
	BatchID     string     `json:"batch_id,omitempty"`
	SourceChain id.ChainID `json:"source_chain"`
	DestChain   id.ChainID `json:"dest_chain"`
	To          string     `json:"to"`
	Amount      *big.Int   `json:"amount"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Ack is the channel's receipt for an accepted message.
type Ack struct {
	Ref        string    `json:"ref"`
	AcceptedAt time.Time `json:"accepted_at"`
}

type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) (Ack, error)
	Close() error
}

type wireMessage struct {
	TxRef       string    `json:"tx_ref"`
	VaultID     string    `json:"vault_id"`
	Kind        string    `json:"kind"`
	BatchID     string    `json:"batch_id,omitempty"`
	SourceChain string    `json:"source_chain"`
	DestChain   string    `json:"dest_chain"`
	To          string    `json:"to"`
	Amount      string    `json:"amount"`
	CreatedAt   time.Time `json:"created_at"`
}

// Encode renders msg as JSON with CAIP-2 chain ids and a decimal amount string.
func Encode(msg Message) ([]byte, error) {
	if msg.TxRef == "" {
		return nil, fmt.Errorf("encode transfer message: missing tx ref")
	}
	if msg.Amount == nil {
		return nil, fmt.Errorf("encode transfer message %s: missing amount", msg.TxRef)
	}
	return json.Marshal(wireMessage{
		TxRef:       msg.TxRef,
		VaultID:     msg.VaultID,
		Kind:        msg.Kind,
		BatchID:     msg.BatchID,
		SourceChain: msg.SourceChain.CAIP2(),
		DestChain:   msg.DestChain.CAIP2(),
		To:          msg.To,
		Amount:      msg.Amount.String(),
		CreatedAt:   msg.CreatedAt.UTC(),
	})
}

// Decode is the inverse of Encode.
func Decode(buf []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(buf, &w); err != nil {
		return Message{}, fmt.Errorf("decode transfer message: %w", err)
	}
	src, err := id.ParseChain(w.SourceChain)
	if err != nil {
		return Message{}, err
	}
	dst, err := id.ParseChain(w.DestChain)
	if err != nil {
		return Message{}, err
	}
	amount, ok := new(big.Int).SetString(w.Amount, 10)
	if !ok {
		return Message{}, fmt.Errorf("decode transfer message %s: invalid amount %q", w.TxRef, w.Amount)
	}
	return Message{
		TxRef:       w.TxRef,
		VaultID:     w.VaultID,
		Kind:        w.Kind,
		BatchID:     w.BatchID,
		SourceChain: src.ID,
		DestChain:   dst.ID,
		To:          w.To,
		Amount:      amount,
		CreatedAt:   w.CreatedAt,
	}, nil
}
