package journal

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
	"github.com/vladislavdragonenkov/einvoice/internal/metrics"
	"github.com/vladislavdragonenkov/einvoice/internal/storage/memory"
)

type failingTimeline struct{}

func (failingTimeline) Append(context.Context, domain.TimelineEvent) error {
	return errors.New("timeline down")
}

func (failingTimeline) List(context.Context, string) ([]domain.TimelineEvent, error) {
	return nil, nil
}

func TestRecorder_PublishWritesOutboxAndTimeline(t *testing.T) {
	ctx := context.Background()
	outbox := memory.NewOutboxRepository()
	timeline := memory.NewTimelineRepository()
	rec := NewRecorder(outbox, timeline, metrics.NewInvoiceMetricsWithRegisterer(prometheus.NewRegistry()), nil)
	rec.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }

	order := domain.Order{ExternalID: "o-1", CustomerID: "c-1", InvoiceStatus: domain.InvoiceStatusCancelled}
	rec.Publish(ctx, order, domain.EventOrderCancelled, domain.TimelineOrderCancelled, map[string]interface{}{"reason": "customer request"})

	pending := outbox.AllPending()
	require.Len(t, pending, 1)
	require.Equal(t, domain.EventOrderCancelled, pending[0].EventType)
	require.Equal(t, "o-1", pending[0].AggregateID)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(pending[0].Payload, &payload))
	require.Equal(t, "CANCELLED", payload["invoice_status"])
	require.Equal(t, "customer request", payload["reason"])

	events, err := timeline.List(ctx, "o-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, domain.TimelineOrderCancelled, events[0].Type)
	require.Equal(t, "customer request", events[0].Reason)
}

func TestRecorder_NilAndFailuresAreSilent(t *testing.T) {
	var rec *Recorder
	rec.Publish(context.Background(), domain.Order{ExternalID: "o-1"}, domain.EventInvoiceIssued, domain.TimelineInvoiceIssued, nil)
	rec.Note(context.Background(), "o-1", domain.TimelineOperatorReset, "")

	rec = NewRecorder(nil, failingTimeline{}, nil, nil)
	require.NotPanics(t, func() {
		rec.Note(context.Background(), "o-1", domain.TimelineOperatorReset, "manual")
	})
}

type failingOutbox struct {
	domain.OutboxRepository
}

func (failingOutbox) Enqueue(context.Context, domain.OutboxMessage) (domain.OutboxMessage, error) {
	return domain.OutboxMessage{}, errors.New("outbox down")
}

func TestRecorder_OutboxFailureKeepsTimeline(t *testing.T) {
	ctx := context.Background()
	timeline := memory.NewTimelineRepository()
	rec := NewRecorder(failingOutbox{}, timeline, nil, nil)

	order := domain.Order{ExternalID: "o-1", CustomerID: "c-1", InvoiceStatus: domain.InvoiceStatusIssued}
	require.NotPanics(t, func() {
		rec.Publish(ctx, order, domain.EventInvoiceIssued, domain.TimelineInvoiceIssued, map[string]interface{}{"invoice_id": "INV-1"})
	})

	events, err := timeline.List(ctx, "o-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, domain.TimelineInvoiceIssued, events[0].Type)
}
