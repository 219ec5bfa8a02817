package logging

import (
	"testing"
	"time"

	"github.com/ggonzalez94/yieldvault/internal/model"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsUnknownLevelAndFormat(t *testing.T) {
	if _, err := New("loud", "json"); err == nil {
		t.Fatal("expected level error")
	}
	if _, err := New("info", "xml"); err == nil {
		t.Fatal("expected format error")
	}
	logger, err := New("debug", "console")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_ = logger.Sync()
}

func TestEventSinkLogsFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := EventSink{Logger: zap.New(core)}
	sink.Emit(model.Event{Type: model.EventDeposit, VaultID: "v1", Fields: map[string]string{"shares": "100"}, At: time.Unix(0, 0)})

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["event"] != "Deposit" || ctx["shares"] != "100" || ctx["vault"] != "v1" {
		t.Fatalf("unexpected fields: %#v", ctx)
	}
}
