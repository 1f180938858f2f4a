// Package models defines the core data structures of the detection pipeline.
// Timestamps are carried with nanosecond precision alongside the wall-clock
// time.Time, matching the rest of the ingest path.
package models

import (
	"net"
	"time"
)

// Protocol numbers as carried on the wire (IANA assigned).
const (
	ProtoICMP uint8 = 1
	ProtoTCP  uint8 = 6
	ProtoUDP  uint8 = 17
)

// TCP flag bits, as reassembled from a single flags byte.
const (
	TCPFlagFIN uint8 = 1 << iota
	TCPFlagSYN
	TCPFlagRST
	TCPFlagPSH
	TCPFlagACK
	TCPFlagURG
	TCPFlagECE
	TCPFlagCWR
)

// PacketRecord is the normalised, ephemeral projection of a captured packet.
// It never survives past the bounded ingest buffer.
type PacketRecord struct {
	TimestampNano int64     `json:"timestamp_nano"`
	Timestamp     time.Time `json:"timestamp"`

	SrcIP    net.IP `json:"src_ip"`
	DstIP    net.IP `json:"dst_ip"`
	SrcPort  uint16 `json:"src_port"`
	DstPort  uint16 `json:"dst_port"`
	Protocol uint8  `json:"protocol"`

	Size     uint32 `json:"size"`
	TCPFlags uint8  `json:"tcp_flags"`
}

// FlowKey is the canonical, direction-independent identity of a flow: the
// two (ip,port) endpoints sorted lexicographically plus the protocol.
type FlowKey struct {
	LowIP    string
	LowPort  uint16
	HighIP   string
	HighPort uint16
	Protocol uint8
}

// CompletionReason records why a flow transitioned to complete.
type CompletionReason string

const (
	CompletionIdleTimeout  CompletionReason = "idle_timeout"
	CompletionRST          CompletionReason = "rst"
	CompletionFINBothSides CompletionReason = "fin_both_sides"
	CompletionHardCap      CompletionReason = "hard_cap"
	CompletionShutdown     CompletionReason = "shutdown"
)

// FlowState is the two-state lifecycle of a Flow.
type FlowState string

const (
	FlowActive   FlowState = "active"
	FlowComplete FlowState = "complete"
)

// DirectionalStats accumulates per-direction packet statistics while a flow
// is active; FeatureExtractor reduces these lists to summary scalars.
type DirectionalStats struct {
	Sizes          []float64
	InterArrivals  []float64 // seconds since the previous packet in this direction
	Bytes          uint64
	Packets        uint64
	LastTimestamp  time.Time
	FlagCounts     map[uint8]uint64 // keyed by a single TCPFlag* bit
	FINSeen        bool
	RSTSeen        bool
}

// NewDirectionalStats returns a zero-valued DirectionalStats ready for use.
func NewDirectionalStats() *DirectionalStats {
	return &DirectionalStats{FlagCounts: make(map[uint8]uint64)}
}

// Flow is the bidirectional reconstruction of one canonical 5-tuple. It is
// exclusively owned by the FlowBuilder while Active, and becomes read-only
// and shared once Complete.
type Flow struct {
	ID  string  `json:"id"`
	Key FlowKey `json:"-"`

	InitiatorIP   net.IP `json:"initiator_ip"`
	InitiatorPort uint16 `json:"initiator_port"`
	ResponderIP   net.IP `json:"responder_ip"`
	ResponderPort uint16 `json:"responder_port"`
	Protocol      uint8  `json:"protocol"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`

	Forward  *DirectionalStats `json:"-"`
	Backward *DirectionalStats `json:"-"`

	State            FlowState        `json:"state"`
	CompletionReason CompletionReason `json:"completion_reason,omitempty"`
}

// Duration returns LastSeen - FirstSeen, always >= 0.
func (f *Flow) Duration() time.Duration {
	d := f.LastSeen.Sub(f.FirstSeen)
	if d < 0 {
		return 0
	}
	return d
}

// FeatureVector is the fixed-length, fixed-order statistical feature vector
// handed to the preprocessing chain. Its length and ordering are a contract
// with the fitted artifacts and must never be changed ad hoc.
type FeatureVector []float64

// SupervisedOutput is the classifier's verdict on a prepared feature vector.
type SupervisedOutput struct {
	ClassProbabilities map[string]float64 `json:"class_probabilities"`
	PredictedLabel     string             `json:"predicted_label"`
	Confidence         float64            `json:"confidence"`
	IsAttack           bool               `json:"is_attack"`
}

// UnsupervisedOutput is the auto-encoder's reconstruction-error verdict.
type UnsupervisedOutput struct {
	ReconstructionError float64 `json:"reconstruction_error"`
	AnomalyScore        float64 `json:"anomaly_score"`
	ThresholdUsed       float64 `json:"threshold_used"`
	IsAnomaly           bool    `json:"is_anomaly"`
}

// Decision is one of the four outcomes the DecisionEngine can reach.
type Decision string

const (
	DecisionConfirmedAttack Decision = "confirmed_attack"
	DecisionSuspicious      Decision = "suspicious"
	DecisionUnknownAnomaly  Decision = "unknown_anomaly"
	DecisionNormal          Decision = "normal"
)

// Severity is a deterministic function of FinalRisk.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// AlertStatus is the SOC analyst workflow state of an Alert.
type AlertStatus string

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Prediction is the persisted, immutable record of a SupervisedOutput.
type Prediction struct {
	FlowID             string             `json:"flow_id"`
	PredictedLabel     string             `json:"predicted_label"`
	Confidence         float64            `json:"confidence"`
	ClassProbabilities map[string]float64 `json:"class_probabilities"`
}

// Anomaly is the persisted record of an UnsupervisedOutput.
type Anomaly struct {
	FlowID              string  `json:"flow_id"`
	ReconstructionError float64 `json:"reconstruction_error"`
	AnomalyScore        float64 `json:"anomaly_score"`
	ThresholdUsed       float64 `json:"threshold_used"`
	IsAnomaly           bool    `json:"is_anomaly"`
}

// Alert is the persisted and published outcome of a non-normal decision.
type Alert struct {
	ID          string         `json:"id"`
	FlowID      string         `json:"flow_id"`
	Severity    Severity       `json:"severity"`
	AttackType  *string        `json:"attack_type,omitempty"`
	ThreatScore float64        `json:"threat_score"`
	Decision    Decision       `json:"decision"`
	Status      AlertStatus    `json:"status"`
	Priority    int            `json:"priority"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Feedback is an analyst-supplied ground-truth label on an existing Alert,
// consumed only by an out-of-scope offline retraining job.
type Feedback struct {
	ID             string    `json:"id"`
	AlertID        string    `json:"alert_id"`
	AnalystLabel   string    `json:"analyst_label"`
	Notes          string    `json:"notes,omitempty"`
	UsedForRetrain bool      `json:"used_for_retrain"`
	CreatedAt      time.Time `json:"created_at"`
}

// GeoReputationEntry is a cached resolution of an IP's geolocation and
// reputation score, as produced by the reputation enricher.
type GeoReputationEntry struct {
	IPAddress       string    `json:"ip_address"`
	Country         string    `json:"country,omitempty"`
	City            string    `json:"city,omitempty"`
	Latitude        float64   `json:"latitude,omitempty"`
	Longitude       float64   `json:"longitude,omitempty"`
	ISP             string    `json:"isp,omitempty"`
	ASN             string    `json:"asn,omitempty"`
	IsLocal         bool      `json:"is_local"`
	ReputationScore float64   `json:"reputation_score"`
	FetchedAt       time.Time `json:"fetched_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// CaptureStats mirrors the status surface exposed by Sniffer.Status().
type CaptureStats struct {
	Running         bool      `json:"running"`
	Interface       string    `json:"interface"`
	Mode            string    `json:"mode"`
	PacketsCaptured uint64    `json:"packets_captured"`
	CaptureErrors   uint64    `json:"capture_errors"`
	BufferFill      int       `json:"buffer_fill"`
	BufferCapacity  int       `json:"buffer_capacity"`
	OverflowCount   uint64    `json:"overflow_count"`
	LastError       string    `json:"last_error,omitempty"`
	StartTime       time.Time `json:"start_time"`
}
