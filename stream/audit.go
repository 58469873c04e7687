package stream

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

// DimensionAuditor is a Sink that flags products whose embedding length
// differs from the configured dimensionality. Empty embeddings are allowed:
// they mark products that were not embedded yet.
type DimensionAuditor struct {
	dimensions int
	logger     *zap.Logger
	mismatches atomic.Int64
}

// NewDimensionAuditor creates an auditor. dimensions <= 0 disables it.
func NewDimensionAuditor(dimensions int, logger *zap.Logger) *DimensionAuditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DimensionAuditor{dimensions: dimensions, logger: logger}
}

func (a *DimensionAuditor) Apply(ctx context.Context, change Change) error {
	if a.dimensions <= 0 || change.New == nil {
		return nil
	}
	if n := len(change.New.Embedding); n != 0 && n != a.dimensions {
		a.mismatches.Add(1)
		a.logger.Warn("embedding dimension mismatch",
			zap.String("id", change.ID),
			zap.String("categoryId", change.CategoryID),
			zap.Int("got", n),
			zap.Int("want", a.dimensions),
		)
	}
	return nil
}

// Mismatches returns the number of mismatched products seen so far.
func (a *DimensionAuditor) Mismatches() int64 {
	return a.mismatches.Load()
}
