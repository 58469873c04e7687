// Package stream processes DynamoDB Streams events from a product container.
package stream

import (
	"context"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/jacentio/catalogstore/store"
)

// ChangeKind is the kind of a product change.
type ChangeKind string

const (
	Insert ChangeKind = "INSERT"
	Modify ChangeKind = "MODIFY"
	Remove ChangeKind = "REMOVE"
)

// Change is one decoded stream record. Old is nil for inserts and New is
// nil for removals, or when the stream view type omits the image.
type Change struct {
	EventID    string
	Kind       ChangeKind
	ID         string
	CategoryID string
	Old        *store.Product
	New        *store.Product
}

// Sink consumes product changes.
type Sink interface {
	Apply(ctx context.Context, change Change) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, change Change) error

func (f SinkFunc) Apply(ctx context.Context, change Change) error {
	return f(ctx, change)
}

// Handler decodes stream records and forwards them to a Sink in order.
type Handler struct {
	sink   Sink
	logger *zap.Logger
}

// NewHandler creates a new stream handler.
func NewHandler(sink Sink, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		sink:   sink,
		logger: logger,
	}
}

// Handle processes a batch. It is designed to be used as an AWS Lambda
// handler with partial batch responses enabled: on the first failing record
// it stops and reports that record, so the shard resumes from it.
func (h *Handler) Handle(ctx context.Context, event events.DynamoDBEvent) (events.DynamoDBEventResponse, error) {
	var resp events.DynamoDBEventResponse
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("failed to process record",
				zap.String("eventID", record.EventID),
				zap.String("sequenceNumber", record.Change.SequenceNumber),
				zap.Error(err),
			)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.DynamoDBBatchItemFailure{
				ItemIdentifier: record.Change.SequenceNumber,
			})
			return resp, nil
		}
	}
	return resp, nil
}

func (h *Handler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	change := Change{
		EventID:    record.EventID,
		Kind:       ChangeKind(record.EventName),
		ID:         getStringAttr(record.Change.Keys, "id"),
		CategoryID: getStringAttr(record.Change.Keys, "categoryId"),
	}
	switch change.Kind {
	case Insert, Modify, Remove:
	default:
		h.logger.Debug("skipping unknown event", zap.String("eventName", record.EventName))
		return nil
	}

	var err error
	if change.Old, err = decodeProduct(record.Change.OldImage); err != nil {
		return fmt.Errorf("old image: %w", err)
	}
	if change.New, err = decodeProduct(record.Change.NewImage); err != nil {
		return fmt.Errorf("new image: %w", err)
	}

	h.logger.Debug("product changed",
		zap.String("kind", string(change.Kind)),
		zap.String("id", change.ID),
		zap.String("categoryId", change.CategoryID),
	)
	if h.sink == nil {
		return nil
	}
	return h.sink.Apply(ctx, change)
}
