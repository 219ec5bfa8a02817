package transport

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"
)

func sampleMessage() Message {
	return Message{
		TxRef:       "0xabc",
		VaultID:     "main",
		Kind:        "rebalance",
		SourceChain: 8453,
		DestChain:   42161,
		To:          "0x00000000000000000000000000000000000000b2",
		Amount:      big.NewInt(1_500_000),
		CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestEncodeDecode(t *testing.T) {
	buf, err := Encode(sampleMessage())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.DestChain != 42161 || got.SourceChain != 8453 || got.Amount.Int64() != 1_500_000 || got.TxRef != "0xabc" {
		t.Fatalf("unexpected decoded message %+v", got)
	}

	bad := sampleMessage()
	bad.Amount = nil
	if _, err := Encode(bad); err == nil {
		t.Fatal("expected missing amount to fail")
	}
}

func TestSimulatedFailureInjectionAndDelivery(t *testing.T) {
	ch := NewSimulated()
	delivered := make(chan Message, 1)
	ch.OnDeliver(func(m Message) { delivered <- m })
	ch.FailNext(errors.New("bridge offline"))

	if _, err := ch.Send(context.Background(), sampleMessage()); err == nil {
		t.Fatal("expected injected failure")
	}
	ack, err := ch.Send(context.Background(), sampleMessage())
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if ack.Ref == "" {
		t.Fatal("expected ack ref")
	}
	select {
	case m := <-delivered:
		if m.TxRef != "0xabc" {
			t.Fatalf("unexpected delivery %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("delivery callback not invoked")
	}
	if len(ch.Sent()) != 1 {
		t.Fatalf("expected one accepted message, got %d", len(ch.Sent()))
	}
}

func TestSimulatedLatencyRespectsDeadline(t *testing.T) {
	ch := NewSimulated()
	ch.SetLatency(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := ch.Send(ctx, sampleMessage()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if len(ch.Sent()) != 0 {
		t.Fatal("timed out send must not be accepted")
	}
}
