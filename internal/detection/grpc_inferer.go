package detection

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"log"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// InferMethod is the unary RPC the model server exposes. The request is a
// google.protobuf.BytesValue holding a letterboxed JPEG; the reply is a
// google.protobuf.Struct with numeric lists "shape" and "data".
const InferMethod = "/sitesafe.inference.v1.Inference/Infer"

// GRPCInfererConfig configures the gRPC model client.
type GRPCInfererConfig struct {
	Endpoint    string
	InputWidth  int
	InputHeight int
	NumClasses  int
	Timeout     time.Duration
}

// GRPCInferer talks to a model server over gRPC using only well-known
// protobuf types, so no generated stubs are needed.
type GRPCInferer struct {
	endpoint   string
	conn       *grpc.ClientConn
	health     healthpb.HealthClient
	inputW     int
	inputH     int
	numClasses int
	timeout    time.Duration

	healthMu   sync.RWMutex
	lastHealth time.Time
}

// NewGRPCInferer creates the client connection. The connection is lazy; the
// first Infer or IsHealthy call dials.
func NewGRPCInferer(cfg GRPCInfererConfig) (*GRPCInferer, error) {
	if cfg.InputWidth <= 0 {
		cfg.InputWidth = DefaultInputWidth
	}
	if cfg.InputHeight <= 0 {
		cfg.InputHeight = DefaultInputHeight
	}
	if cfg.NumClasses <= 0 {
		cfg.NumClasses = len(ClassNames)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}
	conn, err := grpc.NewClient(cfg.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client: %w", err)
	}

	log.Printf("[Detector] gRPC inference client for %s", cfg.Endpoint)
	return &GRPCInferer{
		endpoint:   cfg.Endpoint,
		conn:       conn,
		health:     healthpb.NewHealthClient(conn),
		inputW:     cfg.InputWidth,
		inputH:     cfg.InputHeight,
		numClasses: cfg.NumClasses,
		timeout:    cfg.Timeout,
	}, nil
}

// IsHealthy asks the standard gRPC health service, caching success for 30s.
func (gi *GRPCInferer) IsHealthy(ctx context.Context) bool {
	gi.healthMu.RLock()
	fresh := time.Since(gi.lastHealth) < healthCacheTTL
	gi.healthMu.RUnlock()
	if fresh {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp, err := gi.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return false
	}

	gi.healthMu.Lock()
	gi.lastHealth = time.Now()
	gi.healthMu.Unlock()
	return true
}

// Infer sends one letterboxed frame and decodes the reply tensor.
func (gi *GRPCInferer) Infer(ctx context.Context, frame image.Image) (*Inference, error) {
	boxed, tf := Letterbox(frame, gi.inputW, gi.inputH)

	var img bytes.Buffer
	if err := jpeg.Encode(&img, boxed, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, gi.timeout)
	defer cancel()

	reply := &structpb.Struct{}
	if err := gi.conn.Invoke(ctx, InferMethod, wrapperspb.Bytes(img.Bytes()), reply); err != nil {
		return nil, fmt.Errorf("inference rpc failed: %w", err)
	}

	shape, data, err := tensorFromStruct(reply)
	if err != nil {
		return nil, err
	}
	out, err := RawOutputFromShape(shape, data, gi.numClasses)
	if err != nil {
		return nil, err
	}
	return &Inference{Output: out, Transform: tf}, nil
}

// Close releases the connection.
func (gi *GRPCInferer) Close() error {
	return gi.conn.Close()
}

func tensorFromStruct(s *structpb.Struct) ([]int, []float32, error) {
	fields := s.GetFields()
	shapeVals := fields["shape"].GetListValue().GetValues()
	dataVals := fields["data"].GetListValue().GetValues()
	if len(shapeVals) == 0 {
		return nil, nil, fmt.Errorf("%w: reply has no shape", ErrShapeMismatch)
	}

	shape := make([]int, len(shapeVals))
	for i, v := range shapeVals {
		shape[i] = int(v.GetNumberValue())
	}
	data := make([]float32, len(dataVals))
	for i, v := range dataVals {
		data[i] = float32(v.GetNumberValue())
	}
	return shape, data, nil
}
