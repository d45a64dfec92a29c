package obs

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestStats_SnapshotAverages(t *testing.T) {
	t.Parallel()

	s := New()
	s.ObserveHTTP(200, 2*time.Millisecond)
	s.ObserveHTTP(503, 4*time.Millisecond)
	s.ObserveDBFlush(10, time.Millisecond, nil)
	s.ObserveDBFlush(5, time.Millisecond, errors.New("x"))
	s.ObserveCleanupDeleted(3)
	s.ObserveCleanupDeleted(-1)

	snap := s.Snapshot()
	if snap.HTTP.Requests != 2 || snap.HTTP.Errors != 1 || snap.HTTP.AvgMS != 3 {
		t.Fatalf("unexpected http: %+v", snap.HTTP)
	}
	if snap.DBFlush.Flushes != 2 || snap.DBFlush.Errors != 1 || snap.DBFlush.Rows != 15 {
		t.Fatalf("unexpected db flush: %+v", snap.DBFlush)
	}
	if snap.Cleanup.DeletedBatches != 3 {
		t.Fatalf("unexpected cleanup: %+v", snap.Cleanup)
	}
}

func TestStats_ObserveIngest(t *testing.T) {
	t.Parallel()

	s := New()
	for _, code := range []int{202, 202, 400, 403, 429, 503} {
		s.ObserveIngest(code)
	}
	snap := s.Snapshot()
	if snap.Ingest.Accepted != 2 || snap.Ingest.Rejected != 3 || snap.Ingest.RateLimited != 1 {
		t.Fatalf("unexpected ingest: %+v", snap.Ingest)
	}
}

func TestStats_NilSafe(t *testing.T) {
	t.Parallel()

	var s *Stats
	s.ObserveHTTP(200, time.Millisecond)
	s.ObserveIngest(202)
	s.ObserveMetricsError()
	if snap := s.Snapshot(); snap.HTTP.Requests != 0 {
		t.Fatalf("nil stats should be empty")
	}

	b, err := json.Marshal(New())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := doc["ingest"]; !ok {
		t.Fatalf("expected ingest section: %s", b)
	}
}
