package mq_test

import (
	"context"
	"testing"
	"time"

	"codegrader/internal/common/mq"

	"github.com/segmentio/kafka-go"
)

type recordingWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaProducerPublishMapsMessage(t *testing.T) {
	w := &recordingWriter{}
	p, err := mq.NewKafkaProducerWithWriter(w)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}

	msg := mq.NewMessage("sub-1", []byte(`{"type":"completed"}`))
	msg.SetHeader("event", "completed")
	if err := p.Publish(context.Background(), "grading.events", msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(w.msgs))
	}
	got := w.msgs[0]
	if got.Topic != "grading.events" || string(got.Key) != "sub-1" {
		t.Fatalf("unexpected topic/key: %s %s", got.Topic, got.Key)
	}
	headers := map[string]string{}
	for _, h := range got.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["event"] != "completed" || headers["x-message-id"] != "sub-1" {
		t.Fatalf("unexpected headers: %v", headers)
	}
	if _, err := time.Parse(time.RFC3339Nano, headers["x-message-ts"]); err != nil {
		t.Fatalf("timestamp header not RFC3339: %v", err)
	}

	if err := p.Close(); err != nil || !w.closed {
		t.Fatalf("close: %v closed=%v", err, w.closed)
	}
}

func TestKafkaProducerRejectsInvalidInput(t *testing.T) {
	p, _ := mq.NewKafkaProducerWithWriter(&recordingWriter{})
	if err := p.Publish(context.Background(), "", mq.NewMessage("x", nil)); err == nil {
		t.Fatalf("expected error for empty topic")
	}
	if err := p.Publish(context.Background(), "t", nil); err == nil {
		t.Fatalf("expected error for nil message")
	}
	if _, err := mq.NewKafkaProducer(mq.KafkaConfig{}); err == nil {
		t.Fatalf("expected error without brokers")
	}
}

func TestTokenLimiter(t *testing.T) {
	l := mq.NewTokenLimiter(2)
	ctx := context.Background()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if tryAcquire(l) {
		t.Fatalf("expected acquire to block with no tokens left")
	}

	l.Release()
	l.Release()
	l.Release()
	if !tryAcquire(l) || !tryAcquire(l) {
		t.Fatalf("expected two tokens after release")
	}
	if tryAcquire(l) {
		t.Fatalf("release must not exceed capacity")
	}
}

func tryAcquire(l *mq.TokenLimiter) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	return l.Acquire(ctx) == nil
}
