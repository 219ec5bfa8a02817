package out

import (
	"bytes"
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ggonzalez94/yieldvault/internal/config"
	"github.com/ggonzalez94/yieldvault/internal/model"
)

func TestRenderJSONSelectResultsOnly(t *testing.T) {
	env := model.Envelope{
		Version: "v1",
		Success: true,
		Data:    []map[string]any{{"a": 1, "b": 2}},
		Meta:    model.EnvelopeMeta{Timestamp: time.Now()},
	}
	settings := config.Settings{OutputMode: "json", SelectFields: []string{"a"}, ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var out []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(out) != 1 || out[0]["a"].(float64) != 1 {
		t.Fatalf("unexpected output: %s", buf.String())
	}
	if _, ok := out[0]["b"]; ok {
		t.Fatalf("field projection failed: %s", buf.String())
	}
}

func TestRenderPlain(t *testing.T) {
	env := model.Envelope{
		Version: "v1",
		Success: true,
		Data:    []map[string]any{{"tx_ref": "0xabc", "status": "pending"}},
		Meta:    model.EnvelopeMeta{Timestamp: time.Now()},
	}
	settings := config.Settings{OutputMode: "plain", ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(buf.String(), "status=pending tx_ref=0xabc") {
		t.Fatalf("unexpected plain output: %s", buf.String())
	}
}

func TestRenderSelectNestedField(t *testing.T) {
	env := model.Envelope{
		Version: "v1",
		Success: true,
		Data: map[string]any{
			"vault_id": "main",
			"state":    map[string]any{"liquid": "600", "total_shares": "1000"},
		},
	}
	settings := config.Settings{OutputMode: "json", SelectFields: []string{"vault_id", "state.liquid", "state.missing"}, ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if out["state.liquid"] != "600" || out["vault_id"] != "main" {
		t.Fatalf("unexpected projection: %s", buf.String())
	}
	if _, ok := out["state.missing"]; ok {
		t.Fatalf("missing path must be omitted: %s", buf.String())
	}
}

func TestRenderPlainBatchResult(t *testing.T) {
	total, _ := new(big.Int).SetString("1000000000000000000000", 10)
	env := model.Envelope{
		Version: "v1",
		Success: true,
		Data: map[string]any{
			"batch_id": "b-1",
			"total":    total,
			"state":    map[string]any{"liquid": big.NewInt(600)},
			"records": []model.TransferRecord{
				{TxRef: "0x01", DestChain: 42161, Amount: big.NewInt(300), Status: model.TransferStatusPending},
				{TxRef: "0x02", DestChain: 10, Amount: big.NewInt(200), Status: model.TransferStatusFailed, Error: "transport redis: timed out"},
			},
		},
	}
	settings := config.Settings{OutputMode: "plain", ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected parent, header and two record lines, got %q", lines)
	}
	if lines[0] != "batch_id=b-1 state.liquid=600 total=1000000000000000000000" {
		t.Fatalf("unexpected parent line %q", lines[0])
	}
	if lines[1] != "records: 2" {
		t.Fatalf("unexpected list header %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "  ") || !strings.Contains(lines[2], "amount=300") || !strings.Contains(lines[2], "tx_ref=0x01") {
		t.Fatalf("unexpected record line %q", lines[2])
	}
	if !strings.Contains(lines[3], `error="transport redis: timed out"`) {
		t.Fatalf("errors with spaces must be quoted: %q", lines[3])
	}
}

func TestRenderPlainEmptyList(t *testing.T) {
	var buf bytes.Buffer
	env := model.Envelope{Success: true, Data: []model.TransferRecord{}}
	if err := Render(&buf, env, config.Settings{OutputMode: "plain", ResultsOnly: true}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if buf.String() != "[]\n" {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
