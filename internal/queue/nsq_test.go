package queue

import (
	"io"
	"log/slog"
	"testing"
)

func TestNewNSQPublisher_EmptyAddr(t *testing.T) {
	t.Parallel()

	if _, err := NewNSQPublisher("", nil); err == nil {
		t.Fatalf("expected error for empty address")
	}
}

func TestNSQPublisher_NoNSQD(t *testing.T) {
	t.Parallel()

	p, err := NewNSQPublisher("127.0.0.1:1", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewNSQPublisher: %v", err)
	}
	t.Cleanup(p.Stop)

	if err := p.Ping(); err == nil {
		t.Fatalf("expected Ping to fail without nsqd")
	}
	if err := p.Publish("sessions", []byte("{}")); err == nil {
		t.Fatalf("expected Publish to fail without nsqd")
	}
}

func TestNSQPublisher_RejectsInvalidTopic(t *testing.T) {
	t.Parallel()

	p, err := NewNSQPublisher("127.0.0.1:1", nil)
	if err != nil {
		t.Fatalf("NewNSQPublisher: %v", err)
	}
	t.Cleanup(p.Stop)

	if err := p.Publish("bad topic!", []byte("x")); err == nil {
		t.Fatalf("expected error for invalid topic")
	}

	var nilPub *NSQPublisher
	nilPub.Stop()
}
