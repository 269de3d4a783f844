// Package journal записывает события жизненного цикла счёта в outbox и timeline.
package journal

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
	"github.com/vladislavdragonenkov/einvoice/internal/metrics"
)

// Recorder пишет события после того, как переход уже сохранён, отдельной записью.
// Падение процесса между сохранением заказа и Enqueue теряет событие outbox; сам переход
// и его таймлайн при этом остаются. Ошибки записи только логируются и переход не
// откатывают. Нулевой *Recorder ничего не делает.
type Recorder struct {
	outbox   domain.OutboxRepository
	timeline domain.TimelineRepository
	metrics  *metrics.InvoiceMetrics
	logger   *log.Entry
	now      func() time.Time
}

// NewRecorder создаёт журнал. Любой из репозиториев может быть nil.
func NewRecorder(outbox domain.OutboxRepository, timeline domain.TimelineRepository, m *metrics.InvoiceMetrics, logger *log.Entry) *Recorder {
	if logger == nil {
		logger = log.WithField("component", "journal")
	}
	return &Recorder{
		outbox:   outbox,
		timeline: timeline,
		metrics:  m,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Publish ставит событие в outbox и дублирует его в timeline под типом timelineType.
func (r *Recorder) Publish(ctx context.Context, order domain.Order, eventType, timelineType string, payload map[string]interface{}) {
	if r == nil {
		return
	}
	if payload == nil {
		payload = make(map[string]interface{})
	}
	payload["order_id"] = order.ExternalID
	payload["customer_id"] = order.CustomerID
	payload["invoice_status"] = string(order.InvoiceStatus)
	payload["ts"] = r.now().Format(time.RFC3339Nano)

	if r.outbox != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			r.logger.WithError(err).WithFields(log.Fields{
				"order_id": order.ExternalID,
				"event":    eventType,
			}).Error("marshal event failed")
		} else if _, err := r.outbox.Enqueue(ctx, domain.OutboxMessage{
			AggregateType: "order",
			AggregateID:   order.ExternalID,
			EventType:     eventType,
			Payload:       data,
		}); err != nil {
			r.logger.WithError(err).WithFields(log.Fields{
				"order_id": order.ExternalID,
				"event":    eventType,
			}).Error("enqueue event failed")
		} else if r.metrics != nil {
			r.metrics.RecordOutboxEvent()
		}
	}

	reason, _ := payload["reason"].(string)
	r.Note(ctx, order.ExternalID, timelineType, reason)
}

// Note добавляет запись только в timeline.
func (r *Recorder) Note(ctx context.Context, orderID, timelineType, reason string) {
	if r == nil || r.timeline == nil || timelineType == "" {
		return
	}
	event := domain.TimelineEvent{
		OrderID:  orderID,
		Type:     timelineType,
		Reason:   reason,
		Occurred: r.now(),
	}
	if err := r.timeline.Append(ctx, event); err != nil {
		r.logger.WithError(err).WithFields(log.Fields{
			"order_id": orderID,
			"event":    timelineType,
		}).Warn("append timeline event failed")
		return
	}
	if r.metrics != nil {
		r.metrics.RecordTimelineEvent()
	}
}
