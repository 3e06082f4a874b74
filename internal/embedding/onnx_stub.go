//go:build !cgo
// +build !cgo

package embedding

import (
	"context"
	"fmt"
)

// ONNX stub type when built without CGO (see onnx.go for the real
// implementation). Every operation reports the provider as unavailable.
type ONNX struct{}

var _ Embedder = (*ONNX)(nil)

// NewONNX fails when built without CGO.
func NewONNX(_ string, _, _ int) (*ONNX, error) {
	return nil, errNoCGO()
}

func errNoCGO() error {
	return fmt.Errorf("%w: onnx embedder requires CGO_ENABLED=1 and the onnxruntime library", ErrUnavailable)
}

func (*ONNX) Embed(context.Context, string) ([]float32, error) { return nil, errNoCGO() }

func (*ONNX) EmbedBatch(context.Context, []string) ([][]float32, error) { return nil, errNoCGO() }

func (*ONNX) Dimensions() int { return 0 }

func (*ONNX) Close() error { return nil }
