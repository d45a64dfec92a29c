package queue

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/aak1247/sessiontap/internal/obs"
)

const topic = "sessions"

type stubPublisher struct {
	err error
}

func (p stubPublisher) Publish(_ string, _ []byte) error { return p.err }

func TestObservePublisher_CountsBytes(t *testing.T) {
	t.Parallel()

	stats := obs.New()
	p := ObservePublisher(stubPublisher{}, stats, nil)

	for _, body := range []string{"ab", "c"} {
		if err := p.Publish(topic, []byte(body)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	snap := stats.Snapshot()
	if snap.NSQ.PublishTotal != 2 || snap.NSQ.PublishErrors != 0 || snap.NSQ.PublishBytes != 3 {
		t.Fatalf("unexpected snapshot: %+v", snap.NSQ)
	}
}

func TestObservePublisher_ErrorIsCountedAndLogged(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	stats := obs.New()
	p := ObservePublisher(stubPublisher{err: errors.New("boom")}, stats, slog.New(slog.NewTextHandler(&buf, nil)))

	if err := p.Publish(topic, []byte("x")); err == nil {
		t.Fatalf("expected error")
	}
	snap := stats.Snapshot()
	if snap.NSQ.PublishTotal != 1 || snap.NSQ.PublishErrors != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap.NSQ)
	}
	if !strings.Contains(buf.String(), "publish failed") || !strings.Contains(buf.String(), "topic=sessions") {
		t.Fatalf("expected failure log, got %q", buf.String())
	}
}

func TestObservePublisher_NoDoubleWrap(t *testing.T) {
	t.Parallel()

	stats := obs.New()
	p := ObservePublisher(stubPublisher{}, stats, nil)
	if ObservePublisher(p, stats, nil) != p {
		t.Fatalf("expected wrapping to be idempotent")
	}
	if ObservePublisher(stubPublisher{}, nil, nil) != (stubPublisher{}) {
		t.Fatalf("expected nil stats to return the inner publisher")
	}
}
