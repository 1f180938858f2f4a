package store

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEncodeClassProbabilitiesEmpty(t *testing.T) {
	if got := encodeClassProbabilities(nil); got != "{}" {
		t.Fatalf("expected {}, got %s", got)
	}
}

func TestEncodeClassProbabilitiesSingleKey(t *testing.T) {
	got := encodeClassProbabilities(map[string]float64{"dos": 0.9})
	want := `{"dos":0.9}`
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestEncodeClassProbabilitiesRoundTrips(t *testing.T) {
	in := map[string]float64{"BENIGN": 0.05, "DDoS": 0.9, "PortScan": 0.05}
	var out map[string]float64
	if err := json.Unmarshal([]byte(encodeClassProbabilities(in)), &out); err != nil {
		t.Fatalf("encoded probabilities are not valid JSON: %v", err)
	}
	if len(out) != len(in) || out["DDoS"] != 0.9 {
		t.Fatalf("round trip mismatch: %v", out)
	}
}

func TestEncodeMetadataEmpty(t *testing.T) {
	if got := encodeMetadata(nil); got != "{}" {
		t.Fatalf("expected {}, got %s", got)
	}
}

func TestEncodeMetadataRoundTrips(t *testing.T) {
	in := map[string]any{"src_ip": "10.0.0.1", "anomaly_score": 0.8}
	var out map[string]any
	if err := json.Unmarshal([]byte(encodeMetadata(in)), &out); err != nil {
		t.Fatalf("encoded metadata is not valid JSON: %v", err)
	}
	if out["src_ip"] != "10.0.0.1" || out["anomaly_score"] != 0.8 {
		t.Fatalf("round trip mismatch: %v", out)
	}
}

// The driver rejects multiple ;-separated statements per Exec, so each
// schema entry must be a single statement.
func TestSchemaStatementsAreSingleStatements(t *testing.T) {
	for i, stmt := range schemaStatements {
		if strings.Contains(stmt, ";") {
			t.Errorf("schema statement %d contains a semicolon", i)
		}
		if !strings.Contains(stmt, "CREATE TABLE IF NOT EXISTS") {
			t.Errorf("schema statement %d is not idempotent", i)
		}
	}
}

func TestSchemaCoversEveryTable(t *testing.T) {
	all := strings.Join(schemaStatements, "\n")
	for _, table := range []string{"flows", "predictions", "anomaly_scores", "alerts", "geo_reputation_cache", "feedback"} {
		if !strings.Contains(all, table) {
			t.Errorf("schema missing table %s", table)
		}
	}
}
