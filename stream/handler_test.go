package stream

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func record(seq, eventName string, oldImage, newImage map[string]events.DynamoDBAttributeValue) events.DynamoDBEventRecord {
	return events.DynamoDBEventRecord{
		EventID:   "evt-" + seq,
		EventName: eventName,
		Change: events.DynamoDBStreamRecord{
			SequenceNumber: seq,
			Keys: map[string]events.DynamoDBAttributeValue{
				"id":         events.NewStringAttribute("p1"),
				"categoryId": events.NewStringAttribute("bikes"),
			},
			OldImage: oldImage,
			NewImage: newImage,
		},
	}
}

type recordingSink struct {
	changes []Change
	failOn  string
}

func (s *recordingSink) Apply(ctx context.Context, change Change) error {
	if change.EventID == s.failOn {
		return errors.New("sink unavailable")
	}
	s.changes = append(s.changes, change)
	return nil
}

func TestNewHandler(t *testing.T) {
	if h := NewHandler(nil, nil); h == nil {
		t.Fatal("expected non-nil Handler")
	}
}

func TestHandler_EmptyEvent(t *testing.T) {
	h := NewHandler(&recordingSink{}, nil)

	resp, err := h.Handle(context.Background(), events.DynamoDBEvent{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("expected no failures, got %v", resp.BatchItemFailures)
	}
}

func TestHandler_DecodesChanges(t *testing.T) {
	sink := &recordingSink{}
	h := NewHandler(sink, nil)

	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		record("1", "INSERT", nil, productImage("p1", "bikes", "899.99")),
		record("2", "MODIFY", productImage("p1", "bikes", "899.99"), productImage("p1", "bikes", "799")),
		record("3", "REMOVE", productImage("p1", "bikes", "799"), nil),
	}}
	resp, err := h.Handle(context.Background(), event)
	if err != nil || len(resp.BatchItemFailures) != 0 {
		t.Fatalf("expected success, got %v, %v", resp, err)
	}

	if len(sink.changes) != 3 {
		t.Fatalf("expected 3 changes, got %d", len(sink.changes))
	}
	insert, modify, remove := sink.changes[0], sink.changes[1], sink.changes[2]
	if insert.Kind != Insert || insert.Old != nil || insert.New == nil {
		t.Errorf("unexpected insert %+v", insert)
	}
	if insert.ID != "p1" || insert.CategoryID != "bikes" {
		t.Errorf("expected key (p1, bikes), got (%s, %s)", insert.ID, insert.CategoryID)
	}
	if modify.Kind != Modify || modify.Old.Price != 899.99 || modify.New.Price != 799 {
		t.Errorf("unexpected modify %+v", modify)
	}
	if remove.Kind != Remove || remove.New != nil || remove.Old == nil {
		t.Errorf("unexpected remove %+v", remove)
	}
}

func TestHandler_SkipsUnknownEvents(t *testing.T) {
	sink := &recordingSink{}
	h := NewHandler(sink, nil)

	_, err := h.Handle(context.Background(), events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		record("1", "TRUNCATE", nil, nil),
	}})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(sink.changes) != 0 {
		t.Errorf("expected no changes, got %d", len(sink.changes))
	}
}

func TestHandler_ReportsFirstFailure(t *testing.T) {
	sink := &recordingSink{failOn: "evt-2"}
	core, logs := observer.New(zap.ErrorLevel)
	h := NewHandler(sink, zap.New(core))

	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		record("1", "INSERT", nil, productImage("p1", "bikes", "1")),
		record("2", "MODIFY", productImage("p1", "bikes", "1"), productImage("p1", "bikes", "2")),
		record("3", "MODIFY", productImage("p1", "bikes", "2"), productImage("p1", "bikes", "3")),
	}}
	resp, err := h.Handle(context.Background(), event)
	if err != nil {
		t.Fatalf("expected partial batch response, got error %v", err)
	}
	if len(resp.BatchItemFailures) != 1 || resp.BatchItemFailures[0].ItemIdentifier != "2" {
		t.Errorf("expected failure at sequence 2, got %v", resp.BatchItemFailures)
	}
	if len(sink.changes) != 1 {
		t.Errorf("expected processing to stop after the failure, got %d changes", len(sink.changes))
	}
	if logs.FilterMessage("failed to process record").Len() != 1 {
		t.Errorf("expected one error log, got %v", logs.All())
	}
}

func TestHandler_UndecodableImage(t *testing.T) {
	sink := &recordingSink{}
	h := NewHandler(sink, nil)

	bad := productImage("p1", "bikes", "1")
	bad["price"] = events.NewStringAttribute("cheap")
	resp, _ := h.Handle(context.Background(), events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		record("7", "INSERT", nil, bad),
	}})
	if len(resp.BatchItemFailures) != 1 || resp.BatchItemFailures[0].ItemIdentifier != "7" {
		t.Errorf("expected failure at sequence 7, got %v", resp.BatchItemFailures)
	}
}

func TestSinkFunc(t *testing.T) {
	called := false
	var s Sink = SinkFunc(func(ctx context.Context, c Change) error {
		called = c.ID == "p1"
		return nil
	})
	_ = s.Apply(context.Background(), Change{ID: "p1"})
	if !called {
		t.Error("expected SinkFunc to be called")
	}
}
