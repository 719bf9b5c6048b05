package pii

import (
	"context"
)

// Detector names
const (
	DetectorNameRegex = "regex_detector"
	DetectorNameONNX  = "onnx_model_detector"
)

type Detector interface {
	GetName() string
	Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error)
	Close() error
}
