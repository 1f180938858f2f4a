// Package store persists flows, predictions, anomaly scores and alerts to
// ClickHouse. The reference datastore has no cross-table ACID transaction
// primitive, so "atomic" persistence is implemented at the application
// level: every row for one flow is staged into an in-memory batch first,
// and batches are only sent once every append has succeeded. Any append
// failure discards all staged batches without sending any of them, which
// is the closest honest analogue to rollback this driver offers.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/meedvfx/Network-Defense-System/internal/config"
	"github.com/meedvfx/Network-Defense-System/internal/decision"
	"github.com/meedvfx/Network-Defense-System/internal/logging"
	"github.com/meedvfx/Network-Defense-System/internal/models"
)

// schemaStatements are executed one at a time; the driver does not accept
// multiple ;-separated statements in a single Exec.
var schemaStatements = []string{`
CREATE TABLE IF NOT EXISTS flows (
	id String,
	initiator_ip String,
	initiator_port UInt16,
	responder_ip String,
	responder_port UInt16,
	protocol UInt8,
	first_seen DateTime64(3),
	last_seen DateTime64(3),
	state String,
	completion_reason String
) ENGINE = MergeTree() ORDER BY (first_seen, id)`, `
CREATE TABLE IF NOT EXISTS predictions (
	flow_id String,
	predicted_label String,
	confidence Float64,
	class_probabilities String
) ENGINE = MergeTree() ORDER BY flow_id`, `
CREATE TABLE IF NOT EXISTS anomaly_scores (
	flow_id String,
	reconstruction_error Float64,
	anomaly_score Float64,
	threshold_used Float64,
	is_anomaly UInt8
) ENGINE = MergeTree() ORDER BY flow_id`, `
CREATE TABLE IF NOT EXISTS alerts (
	id String,
	flow_id String,
	severity String,
	attack_type Nullable(String),
	threat_score Float64,
	decision String,
	status String,
	priority UInt8,
	metadata String,
	created_at DateTime64(3)
) ENGINE = MergeTree() ORDER BY (created_at, id)`, `
CREATE TABLE IF NOT EXISTS geo_reputation_cache (
	ip_address String,
	country String,
	city String,
	latitude Float64,
	longitude Float64,
	isp String,
	asn String,
	is_local UInt8,
	reputation_score Float64,
	fetched_at DateTime64(3),
	expires_at DateTime64(3)
) ENGINE = ReplacingMergeTree(fetched_at) ORDER BY ip_address`, `
CREATE TABLE IF NOT EXISTS feedback (
	id String,
	alert_id String,
	analyst_label String,
	notes String,
	used_for_retrain UInt8,
	created_at DateTime64(3)
) ENGINE = MergeTree() ORDER BY (created_at, id)`,
}

// ClickHouseStore implements decision.Store and the feedback/geo-cache
// side tables the rest of the pipeline needs.
type ClickHouseStore struct {
	conn driver.Conn
	log  *logging.Logger
}

// Open connects to ClickHouse and ensures the schema exists.
func Open(cfg config.StoreConfig) (*ClickHouseStore, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	for _, stmt := range schemaStatements {
		if err := conn.Exec(context.Background(), stmt); err != nil {
			return nil, fmt.Errorf("store: create schema: %w", err)
		}
	}
	return &ClickHouseStore{conn: conn, log: logging.StoreLogger()}, nil
}

// Persist stages a flow's full record set into four batches and sends
// them only once every append succeeds. It satisfies decision.Store.
func (s *ClickHouseStore) Persist(ctx context.Context, rec decision.Record) error {
	flowBatch, err := s.conn.PrepareBatch(ctx, "INSERT INTO flows")
	if err != nil {
		return fmt.Errorf("store: prepare flows batch: %w", err)
	}
	f := rec.Flow
	if err := flowBatch.Append(
		f.ID, f.InitiatorIP.String(), f.InitiatorPort, f.ResponderIP.String(), f.ResponderPort,
		f.Protocol, f.FirstSeen, f.LastSeen, string(f.State), string(f.CompletionReason),
	); err != nil {
		return fmt.Errorf("store: append flow: %w", err)
	}

	predBatch, err := s.conn.PrepareBatch(ctx, "INSERT INTO predictions")
	if err != nil {
		return fmt.Errorf("store: prepare predictions batch: %w", err)
	}
	p := rec.Prediction
	if err := predBatch.Append(p.FlowID, p.PredictedLabel, p.Confidence, encodeClassProbabilities(p.ClassProbabilities)); err != nil {
		return fmt.Errorf("store: append prediction: %w", err)
	}

	anomalyBatch, err := s.conn.PrepareBatch(ctx, "INSERT INTO anomaly_scores")
	if err != nil {
		return fmt.Errorf("store: prepare anomaly_scores batch: %w", err)
	}
	a := rec.Anomaly
	isAnomaly := uint8(0)
	if a.IsAnomaly {
		isAnomaly = 1
	}
	if err := anomalyBatch.Append(a.FlowID, a.ReconstructionError, a.AnomalyScore, a.ThresholdUsed, isAnomaly); err != nil {
		return fmt.Errorf("store: append anomaly: %w", err)
	}

	var alertBatch driver.Batch
	if rec.Alert != nil {
		alertBatch, err = s.conn.PrepareBatch(ctx, "INSERT INTO alerts")
		if err != nil {
			return fmt.Errorf("store: prepare alerts batch: %w", err)
		}
		al := rec.Alert
		if err := alertBatch.Append(
			al.ID, al.FlowID, string(al.Severity), al.AttackType, al.ThreatScore,
			string(al.Decision), string(al.Status), uint8(al.Priority),
			encodeMetadata(al.Metadata), al.CreatedAt,
		); err != nil {
			return fmt.Errorf("store: append alert: %w", err)
		}
	}

	// Nothing is sent until every append above succeeded; an earlier
	// return discards all four staged batches without a Send call.
	if err := flowBatch.Send(); err != nil {
		return fmt.Errorf("store: send flows batch: %w", err)
	}
	if err := predBatch.Send(); err != nil {
		return fmt.Errorf("store: send predictions batch: %w", err)
	}
	if err := anomalyBatch.Send(); err != nil {
		return fmt.Errorf("store: send anomaly_scores batch: %w", err)
	}
	if alertBatch != nil {
		if err := alertBatch.Send(); err != nil {
			return fmt.Errorf("store: send alerts batch: %w", err)
		}
	}

	return nil
}

// UpsertReputation writes a single resolved IP's reputation cache entry.
func (s *ClickHouseStore) UpsertReputation(ctx context.Context, e models.GeoReputationEntry) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO geo_reputation_cache")
	if err != nil {
		return fmt.Errorf("store: prepare geo_reputation_cache batch: %w", err)
	}
	isLocal := uint8(0)
	if e.IsLocal {
		isLocal = 1
	}
	if err := batch.Append(
		e.IPAddress, e.Country, e.City, e.Latitude, e.Longitude, e.ISP, e.ASN,
		isLocal, e.ReputationScore, e.FetchedAt, e.ExpiresAt,
	); err != nil {
		return fmt.Errorf("store: append geo_reputation_cache: %w", err)
	}
	return batch.Send()
}

// InsertFeedback records an analyst's ground-truth label on an alert.
func (s *ClickHouseStore) InsertFeedback(ctx context.Context, fb models.Feedback) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO feedback")
	if err != nil {
		return fmt.Errorf("store: prepare feedback batch: %w", err)
	}
	usedForRetrain := uint8(0)
	if fb.UsedForRetrain {
		usedForRetrain = 1
	}
	if err := batch.Append(fb.ID, fb.AlertID, fb.AnalystLabel, fb.Notes, usedForRetrain, fb.CreatedAt); err != nil {
		return fmt.Errorf("store: append feedback: %w", err)
	}
	return batch.Send()
}

// CountUnusedFeedback returns how many feedback rows have not yet been
// consumed by an offline retraining cycle.
func (s *ClickHouseStore) CountUnusedFeedback(ctx context.Context) (int, error) {
	row := s.conn.QueryRow(ctx, "SELECT count() FROM feedback WHERE used_for_retrain = 0")
	var count uint64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("store: count unused feedback: %w", err)
	}
	return int(count), nil
}

// ListUnusedFeedback returns feedback rows not yet consumed by retraining,
// the set the offline training job would pull from next.
func (s *ClickHouseStore) ListUnusedFeedback(ctx context.Context) ([]models.Feedback, error) {
	rows, err := s.conn.Query(ctx, `SELECT id, alert_id, analyst_label, notes, used_for_retrain, created_at
		FROM feedback WHERE used_for_retrain = 0 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("store: list unused feedback: %w", err)
	}
	defer rows.Close()

	var out []models.Feedback
	for rows.Next() {
		var fb models.Feedback
		var usedForRetrain uint8
		if err := rows.Scan(&fb.ID, &fb.AlertID, &fb.AnalystLabel, &fb.Notes, &usedForRetrain, &fb.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan feedback row: %w", err)
		}
		fb.UsedForRetrain = usedForRetrain != 0
		out = append(out, fb)
	}
	return out, rows.Err()
}

// Close releases the underlying connection pool.
func (s *ClickHouseStore) Close() error {
	return s.conn.Close()
}

func encodeClassProbabilities(m map[string]float64) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func encodeMetadata(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}
