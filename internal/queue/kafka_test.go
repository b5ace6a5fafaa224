package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap/zaptest"

	"github.com/alexnthnz/notification-engine/internal/notification"
)

type scriptedReader struct {
	results []readResult
	closed  bool
}

type readResult struct {
	msg kafka.Message
	err error
}

func (r *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.results) == 0 {
		return kafka.Message{}, io.EOF
	}
	next := r.results[0]
	r.results = r.results[1:]
	return next.msg, next.err
}

func (r *scriptedReader) Close() error {
	r.closed = true
	return nil
}

type capturingWriter struct {
	messages []kafka.Message
	err      error
}

func (w *capturingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *capturingWriter) Close() error { return nil }

func TestConsumeSubmissions(t *testing.T) {
	valid, _ := json.Marshal(SubmitMessage{
		RequestID: "req-1",
		SubmitRequest: notification.SubmitRequest{
			TenantID: "school-1",
			Title:    "Trip",
			Body:     "Permission slips due",
			Type:     "EVENT",
			Target:   notification.TargetSpec{Kind: notification.TargetRoleBased, Roles: []string{"parent"}},
		},
	})
	failing, _ := json.Marshal(SubmitMessage{RequestID: "req-2"})

	reader := &scriptedReader{results: []readResult{
		{msg: kafka.Message{Value: []byte("{not json"), Offset: 1}},
		{err: errors.New("broker hiccup")},
		{msg: kafka.Message{Value: failing, Offset: 2}},
		{msg: kafka.Message{Value: valid, Offset: 3}},
	}}
	c := &Consumer{reader: reader, logger: zaptest.NewLogger(t)}

	var handled []SubmitMessage
	err := c.ConsumeSubmissions(context.Background(), func(ctx context.Context, msg SubmitMessage) error {
		handled = append(handled, msg)
		if msg.RequestID == "req-2" {
			return errors.New("rejected")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ConsumeSubmissions() error = %v, want nil on closed reader", err)
	}

	if len(handled) != 2 {
		t.Fatalf("handled %d messages, want 2", len(handled))
	}
	got := handled[1]
	if got.RequestID != "req-1" || got.TenantID != "school-1" || got.Target.Roles[0] != "parent" {
		t.Errorf("decoded message = %+v", got)
	}
}

func TestConsumeSubmissionsStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reader := &scriptedReader{results: []readResult{{err: context.Canceled}}}
	c := &Consumer{reader: reader, logger: zaptest.NewLogger(t)}

	err := c.ConsumeSubmissions(ctx, func(context.Context, SubmitMessage) error {
		t.Error("handler called after cancel")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("ConsumeSubmissions() error = %v, want context.Canceled", err)
	}
	if err := c.Close(); err != nil || !reader.closed {
		t.Errorf("Close() = %v, closed %v", err, reader.closed)
	}
}

func TestPublishDelivery(t *testing.T) {
	writer := &capturingWriter{}
	p := &Producer{writer: writer, logger: zaptest.NewLogger(t)}
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	n := &notification.Notification{ID: "n1", TenantID: "school-1", Type: notification.TypeHealth, Priority: notification.PriorityUrgent}
	entry := &notification.DeliveryLog{
		NotificationID: "n1",
		UserID:         "u1",
		Channel:        notification.ChannelSMS,
		Status:         notification.DeliveryFailed,
		ErrorMessage:   "unreachable",
		UpdatedAt:      at,
	}
	if err := p.PublishDelivery(context.Background(), n, entry); err != nil {
		t.Fatalf("PublishDelivery() error = %v", err)
	}

	if len(writer.messages) != 1 {
		t.Fatalf("wrote %d messages, want 1", len(writer.messages))
	}
	msg := writer.messages[0]
	if string(msg.Key) != "n1" {
		t.Errorf("key = %q, want notification id", msg.Key)
	}
	var event DeliveryEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		t.Fatal(err)
	}
	want := DeliveryEvent{
		NotificationID: "n1",
		TenantID:       "school-1",
		UserID:         "u1",
		Channel:        notification.ChannelSMS,
		Status:         notification.DeliveryFailed,
		ErrorMessage:   "unreachable",
		Type:           notification.TypeHealth,
		Priority:       notification.PriorityUrgent,
	}
	if !event.OccurredAt.Equal(at) {
		t.Errorf("occurred_at = %v, want %v", event.OccurredAt, at)
	}
	event.OccurredAt = time.Time{}
	if event != want {
		t.Errorf("event = %+v, want %+v", event, want)
	}

	writer.err = errors.New("leader not available")
	if err := p.PublishDelivery(context.Background(), n, entry); err == nil {
		t.Error("PublishDelivery() swallowed writer error")
	}
}
