// Package features reduces a completed Flow's per-direction packet
// statistics into the fixed-order FeatureVector handed to the
// preprocessing chain. The extractor is a pure function of its input: the
// same Flow always yields the same vector, and it never returns NaN or
// Inf because every ratio is guarded against a zero denominator.
package features

import (
	"math"

	"github.com/meedvfx/Network-Defense-System/internal/models"
)

// Order is the fixed, contractual ordering of FeatureVector scalars. It
// mirrors the block layout of the extractor below and must never be
// reordered independently of the fitted artifacts.
var Order = []string{
	"duration", "fwd_packets", "bwd_packets", "fwd_bytes", "bwd_bytes",
	"bytes_per_sec", "packets_per_sec",
	"fwd_pkt_len_mean", "fwd_pkt_len_std", "fwd_pkt_len_max", "fwd_pkt_len_min",
	"bwd_pkt_len_mean", "bwd_pkt_len_std", "bwd_pkt_len_max", "bwd_pkt_len_min",
	"pkt_len_mean", "pkt_len_std", "pkt_len_max", "pkt_len_min",
	"flow_iat_mean", "flow_iat_std", "flow_iat_max", "flow_iat_min",
	"fwd_iat_mean", "fwd_iat_std", "fwd_iat_max", "fwd_iat_min",
	"bwd_iat_mean", "bwd_iat_std", "bwd_iat_max", "bwd_iat_min",
	"fwd_fin", "fwd_syn", "fwd_rst", "fwd_psh", "fwd_ack", "fwd_urg", "fwd_ece", "fwd_cwr",
	"bwd_fin", "bwd_syn", "bwd_rst", "bwd_psh", "bwd_ack", "bwd_urg", "bwd_ece", "bwd_cwr",
	"down_up_ratio", "fwd_avg_segment_size", "bwd_avg_segment_size",
}

// Extractor reduces Flow statistics to a FeatureVector.
type Extractor struct{}

// NewExtractor returns a stateless FeatureExtractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract builds the fixed-order FeatureVector for a completed flow.
func (e *Extractor) Extract(flow *models.Flow) models.FeatureVector {
	fwd := flow.Forward
	bwd := flow.Backward

	duration := flow.Duration().Seconds()
	fwdPackets := float64(fwd.Packets)
	bwdPackets := float64(bwd.Packets)
	fwdBytes := float64(fwd.Bytes)
	bwdBytes := float64(bwd.Bytes)
	totalBytes := fwdBytes + bwdBytes
	totalPackets := fwdPackets + bwdPackets

	bytesPerSec := safeDiv(totalBytes, duration)
	packetsPerSec := safeDiv(totalPackets, duration)

	fwdMean, fwdStd, fwdMax, fwdMin := stats(fwd.Sizes)
	bwdMean, bwdStd, bwdMax, bwdMin := stats(bwd.Sizes)
	allSizes := append(append([]float64{}, fwd.Sizes...), bwd.Sizes...)
	allMean, allStd, allMax, allMin := stats(allSizes)

	allIAT := append(append([]float64{}, fwd.InterArrivals...), bwd.InterArrivals...)
	flowIATMean, flowIATStd, flowIATMax, flowIATMin := stats(allIAT)
	fwdIATMean, fwdIATStd, fwdIATMax, fwdIATMin := stats(fwd.InterArrivals)
	bwdIATMean, bwdIATStd, bwdIATMax, bwdIATMin := stats(bwd.InterArrivals)

	downUpRatio := safeDiv(bwdPackets, fwdPackets)
	fwdAvgSegment := safeDiv(fwdBytes, fwdPackets)
	bwdAvgSegment := safeDiv(bwdBytes, bwdPackets)

	v := models.FeatureVector{
		duration, fwdPackets, bwdPackets, fwdBytes, bwdBytes,
		bytesPerSec, packetsPerSec,
		fwdMean, fwdStd, fwdMax, fwdMin,
		bwdMean, bwdStd, bwdMax, bwdMin,
		allMean, allStd, allMax, allMin,
		flowIATMean, flowIATStd, flowIATMax, flowIATMin,
		fwdIATMean, fwdIATStd, fwdIATMax, fwdIATMin,
		bwdIATMean, bwdIATStd, bwdIATMax, bwdIATMin,
		flagCount(fwd, models.TCPFlagFIN), flagCount(fwd, models.TCPFlagSYN), flagCount(fwd, models.TCPFlagRST),
		flagCount(fwd, models.TCPFlagPSH), flagCount(fwd, models.TCPFlagACK), flagCount(fwd, models.TCPFlagURG),
		flagCount(fwd, models.TCPFlagECE), flagCount(fwd, models.TCPFlagCWR),
		flagCount(bwd, models.TCPFlagFIN), flagCount(bwd, models.TCPFlagSYN), flagCount(bwd, models.TCPFlagRST),
		flagCount(bwd, models.TCPFlagPSH), flagCount(bwd, models.TCPFlagACK), flagCount(bwd, models.TCPFlagURG),
		flagCount(bwd, models.TCPFlagECE), flagCount(bwd, models.TCPFlagCWR),
		downUpRatio, fwdAvgSegment, bwdAvgSegment,
	}

	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			v[i] = 0
		}
	}
	return v
}

func flagCount(d *models.DirectionalStats, flag uint8) float64 {
	if d == nil || d.FlagCounts == nil {
		return 0
	}
	return float64(d.FlagCounts[flag])
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// stats returns mean, population standard deviation, max and min of data,
// all zero for an empty slice.
func stats(data []float64) (mean, std, max, min float64) {
	if len(data) == 0 {
		return 0, 0, 0, 0
	}
	var sum float64
	max, min = data[0], data[0]
	for _, v := range data {
		sum += v
		if v > max {
			max = v
		}
		if v < min {
			min = v
		}
	}
	mean = sum / float64(len(data))

	var variance float64
	for _, v := range data {
		diff := v - mean
		variance += diff * diff
	}
	variance /= float64(len(data))
	std = math.Sqrt(variance)
	return mean, std, max, min
}
