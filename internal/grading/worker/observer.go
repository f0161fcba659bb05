package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"codegrader/internal/common/mq"
	"codegrader/internal/grading/queue"
	appErr "codegrader/pkg/errors"
	"codegrader/pkg/utils/logger"

	"go.uber.org/zap"
)

// DefaultEventTopic is where KafkaObserver publishes job transitions.
const DefaultEventTopic = "grading.events"

// EventType names a job transition.
type EventType string

const (
	EventActive    EventType = "active"
	EventCompleted EventType = "completed"
	EventRetrying  EventType = "retrying"
	EventFailed    EventType = "failed"
	EventStalled   EventType = "stalled"
)

// Event describes one job transition.
type Event struct {
	Type         EventType     `json:"type"`
	JobID        string        `json:"job_id"`
	AttemptsMade int           `json:"attempts_made"`
	Delay        time.Duration `json:"-"`
	Reason       string        `json:"reason,omitempty"`
	Duration     time.Duration `json:"-"`
	At           time.Time     `json:"at"`
}

// MarshalJSON reports durations in milliseconds.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	return json.Marshal(struct {
		alias
		Delay    int64 `json:"delay_ms"`
		Duration int64 `json:"duration_ms,omitempty"`
	}{
		alias:    alias(e),
		Delay:    e.Delay.Milliseconds(),
		Duration: e.Duration.Milliseconds(),
	})
}

// Observer is notified synchronously after each job transition.
type Observer interface {
	Observe(ctx context.Context, event Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, event Event)

func (f ObserverFunc) Observe(ctx context.Context, event Event) {
	f(ctx, event)
}

// LogObserver writes every transition to the structured log.
type LogObserver struct{}

func (LogObserver) Observe(ctx context.Context, event Event) {
	fields := []zap.Field{
		zap.String("job_id", event.JobID),
		zap.Int("attempts_made", event.AttemptsMade),
	}
	switch event.Type {
	case EventActive:
		logger.Info(ctx, "job active", fields...)
	case EventCompleted:
		logger.Info(ctx, "job completed", append(fields, zap.Duration("duration", event.Duration))...)
	case EventRetrying:
		logger.Warn(ctx, "job failed, retrying", append(fields, zap.Duration("delay", event.Delay), zap.String("reason", event.Reason))...)
	case EventFailed:
		logger.Error(ctx, "job failed", append(fields, zap.String("reason", event.Reason))...)
	case EventStalled:
		logger.Warn(ctx, "job stalled", fields...)
	}
}

// KafkaObserver publishes transitions as JSON messages keyed by job id.
// Publish failures are logged and never affect the job.
type KafkaObserver struct {
	producer mq.Producer
	topic    string
	timeout  time.Duration
}

// NewKafkaObserver creates an observer publishing to topic.
func NewKafkaObserver(producer mq.Producer, topic string, timeout time.Duration) (*KafkaObserver, error) {
	if producer == nil {
		return nil, fmt.Errorf("producer is required")
	}
	if topic == "" {
		topic = DefaultEventTopic
	}
	return &KafkaObserver{producer: producer, topic: topic, timeout: timeout}, nil
}

func (o *KafkaObserver) Observe(ctx context.Context, event Event) {
	if err := o.publish(ctx, event); err != nil {
		logger.Warn(ctx, "publish grading event failed", zap.String("job_id", event.JobID), zap.String("type", string(event.Type)), zap.Error(err))
	}
}

func (o *KafkaObserver) publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "encode grading event failed")
	}
	message := mq.NewMessage(event.JobID, body)
	message.SetHeader("x-event-type", string(event.Type))

	pubCtx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		pubCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	if err := o.producer.Publish(pubCtx, o.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "publish grading event failed")
	}
	return nil
}

func newEvent(t EventType, job *queue.Job) Event {
	ev := Event{Type: t, At: time.Now()}
	if job != nil {
		ev.JobID = job.ID
		ev.AttemptsMade = job.AttemptsMade
	}
	return ev
}
