package predict

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/meedvfx/Network-Defense-System/internal/models"
)

// SidecarConfig configures the remote-inference sidecar client, used as an
// alternate predictor transport whenever ML_SIDECAR_ADDR is set (it takes
// precedence over MODEL_DIR): both predictors keep the same interface regardless
// of whether they're backed by a local ONNX session or a remote sidecar.
type SidecarConfig struct {
	Address   string
	Timeout   time.Duration
	KeepAlive time.Duration
}

// DefaultSidecarConfig returns sensible client defaults.
func DefaultSidecarConfig(addr string) SidecarConfig {
	return SidecarConfig{
		Address:   addr,
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
}

// SidecarClient dials the ML sidecar and exposes Supervised/Unsupervised
// wrappers over the same gRPC connection. Request and response messages
// are generic structpb.Struct values rather than generated protobuf
// stubs, since no .proto contract for this service ships in the source
// material this was built against.
type SidecarClient struct {
	cfg  SidecarConfig
	conn *grpc.ClientConn
}

// NewSidecarClient dials the sidecar. The connection is established
// lazily by gRPC and surfaces errors on first RPC, so Dial only fails on
// malformed configuration.
func NewSidecarClient(cfg SidecarConfig) (*SidecarClient, error) {
	kaParams := keepalive.ClientParameters{
		Time:                cfg.KeepAlive,
		Timeout:             cfg.Timeout,
		PermitWithoutStream: true,
	}
	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kaParams),
	)
	if err != nil {
		return nil, fmt.Errorf("predict: sidecar dial: %w", err)
	}
	return &SidecarClient{cfg: cfg, conn: conn}, nil
}

// Close releases the gRPC connection.
func (c *SidecarClient) Close() error {
	return c.conn.Close()
}

func (c *SidecarClient) invoke(ctx context.Context, method string, v models.FeatureVector) (*structpb.Struct, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	values := make([]interface{}, len(v))
	for i, x := range v {
		values[i] = x
	}
	req, err := structpb.NewStruct(map[string]interface{}{"features": values})
	if err != nil {
		return nil, fmt.Errorf("predict: sidecar request encode: %w", err)
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return nil, fmt.Errorf("predict: sidecar %s: %w", method, err)
	}
	return resp, nil
}

// SidecarSupervised adapts SidecarClient to the Supervised interface.
type SidecarSupervised struct {
	client *SidecarClient
	cfg    ClassifierConfig
}

// NewSidecarSupervised wraps a connected SidecarClient as a Supervised
// predictor, applying the same benign-label gate SupervisedPredictor uses.
func NewSidecarSupervised(client *SidecarClient, cfg ClassifierConfig) *SidecarSupervised {
	cfg.BenignLabels = mergeBenignLabels(cfg.BenignLabels)
	return &SidecarSupervised{client: client, cfg: cfg}
}

// Ready reports true once the client has successfully dialed; gRPC
// connections are always considered ready since failures surface per RPC.
func (s *SidecarSupervised) Ready() bool { return s.client != nil }

// Predict invokes the sidecar's supervised classification method.
func (s *SidecarSupervised) Predict(ctx context.Context, v models.FeatureVector) (models.SupervisedOutput, error) {
	resp, err := s.client.invoke(ctx, "/nds.Predictor/Classify", v)
	if err != nil {
		return models.SupervisedOutput{}, err
	}

	fields := resp.GetFields()
	label := fields["predicted_label"].GetStringValue()
	confidence := fields["confidence"].GetNumberValue()

	classProbs := make(map[string]float64)
	if probsStruct := fields["class_probabilities"].GetStructValue(); probsStruct != nil {
		for k, val := range probsStruct.GetFields() {
			classProbs[k] = val.GetNumberValue()
		}
	}

	return models.SupervisedOutput{
		ClassProbabilities: classProbs,
		PredictedLabel:     label,
		Confidence:         confidence,
		IsAttack:           !s.cfg.isBenign(label) && confidence >= s.cfg.MinConfidence,
	}, nil
}

// SidecarUnsupervised adapts SidecarClient to the Unsupervised interface.
type SidecarUnsupervised struct {
	client *SidecarClient
	cfg    AutoencoderConfig
}

// NewSidecarUnsupervised wraps a connected SidecarClient as an Unsupervised predictor.
func NewSidecarUnsupervised(client *SidecarClient, cfg AutoencoderConfig) *SidecarUnsupervised {
	return &SidecarUnsupervised{client: client, cfg: cfg}
}

// Ready reports true once the client has successfully dialed.
func (s *SidecarUnsupervised) Ready() bool { return s.client != nil }

// Predict invokes the sidecar's anomaly-scoring method.
func (s *SidecarUnsupervised) Predict(ctx context.Context, v models.FeatureVector) (models.UnsupervisedOutput, error) {
	resp, err := s.client.invoke(ctx, "/nds.Predictor/Score", v)
	if err != nil {
		return models.UnsupervisedOutput{}, err
	}

	fields := resp.GetFields()
	mse := fields["reconstruction_error"].GetNumberValue()
	threshold := s.cfg.Threshold()

	var anomalyScore float64
	if s.cfg.Sigma > 0 {
		z := (mse - s.cfg.Mu) / s.cfg.Sigma
		anomalyScore = clamp(z/s.cfg.zMax(), 0, 1)
	}

	return models.UnsupervisedOutput{
		ReconstructionError: mse,
		AnomalyScore:        anomalyScore,
		ThresholdUsed:       threshold,
		IsAnomaly:           mse > threshold,
	}, nil
}
