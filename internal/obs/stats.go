package obs

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

type Stats struct {
	start time.Time

	httpRequests     atomic.Int64
	httpErrors       atomic.Int64
	httpLatencyUS    atomic.Int64
	httpLatencyCount atomic.Int64

	ingestAccepted    atomic.Int64
	ingestRejected    atomic.Int64
	ingestRateLimited atomic.Int64

	nsqPublishTotal  atomic.Int64
	nsqPublishErrors atomic.Int64
	nsqPublishBytes  atomic.Int64
	nsqDepthSessions atomic.Int64

	consumerMessages     atomic.Int64
	consumerErrors       atomic.Int64
	consumerLatencyUS    atomic.Int64
	consumerLatencyCount atomic.Int64

	dbFlushTotal        atomic.Int64
	dbFlushErrors       atomic.Int64
	dbFlushLatencyUS    atomic.Int64
	dbFlushLatencyCount atomic.Int64
	dbFlushRows         atomic.Int64

	metricsErrors atomic.Int64

	cleanupDeletedBatches atomic.Int64
}

func New() *Stats {
	return &Stats{start: time.Now()}
}

func (s *Stats) ObserveHTTP(status int, dur time.Duration) {
	if s == nil {
		return
	}
	s.httpRequests.Add(1)
	if status >= 500 {
		s.httpErrors.Add(1)
	}
	s.httpLatencyUS.Add(dur.Microseconds())
	s.httpLatencyCount.Add(1)
}

// ObserveIngest classifies the status code of a POST /api/sessions/ reply.
func (s *Stats) ObserveIngest(status int) {
	if s == nil {
		return
	}
	switch {
	case status == 429:
		s.ingestRateLimited.Add(1)
	case status >= 200 && status < 300:
		s.ingestAccepted.Add(1)
	default:
		s.ingestRejected.Add(1)
	}
}

func (s *Stats) ObserveNSQPublish(bytes int, err error) {
	if s == nil {
		return
	}
	s.nsqPublishTotal.Add(1)
	s.nsqPublishBytes.Add(int64(bytes))
	if err != nil {
		s.nsqPublishErrors.Add(1)
	}
}

func (s *Stats) SetNSQDepth(topic string, depth int64) {
	if s == nil {
		return
	}
	if topic == "sessions" {
		s.nsqDepthSessions.Store(depth)
	}
}

func (s *Stats) ObserveConsumerMessage(dur time.Duration, err error) {
	if s == nil {
		return
	}
	s.consumerMessages.Add(1)
	if err != nil {
		s.consumerErrors.Add(1)
	}
	s.consumerLatencyUS.Add(dur.Microseconds())
	s.consumerLatencyCount.Add(1)
}

func (s *Stats) ObserveDBFlush(rows int, dur time.Duration, err error) {
	if s == nil {
		return
	}
	s.dbFlushTotal.Add(1)
	s.dbFlushRows.Add(int64(rows))
	if err != nil {
		s.dbFlushErrors.Add(1)
	}
	s.dbFlushLatencyUS.Add(dur.Microseconds())
	s.dbFlushLatencyCount.Add(1)
}

func (s *Stats) ObserveMetricsError() {
	if s == nil {
		return
	}
	s.metricsErrors.Add(1)
}

func (s *Stats) ObserveCleanupDeleted(batches int64) {
	if s == nil || batches <= 0 {
		return
	}
	s.cleanupDeletedBatches.Add(batches)
}

type Snapshot struct {
	UptimeSeconds int64 `json:"uptime_seconds"`

	HTTP struct {
		Requests int64   `json:"requests"`
		Errors   int64   `json:"errors"`
		AvgMS    float64 `json:"avg_ms"`
	} `json:"http"`

	Ingest struct {
		Accepted    int64 `json:"accepted"`
		Rejected    int64 `json:"rejected"`
		RateLimited int64 `json:"rate_limited"`
	} `json:"ingest"`

	NSQ struct {
		PublishTotal  int64 `json:"publish_total"`
		PublishErrors int64 `json:"publish_errors"`
		PublishBytes  int64 `json:"publish_bytes"`
		DepthSessions int64 `json:"depth_sessions"`
	} `json:"nsq"`

	Consumer struct {
		Messages int64   `json:"messages"`
		Errors   int64   `json:"errors"`
		AvgMS    float64 `json:"avg_ms"`
	} `json:"consumer"`

	DBFlush struct {
		Flushes int64   `json:"flushes"`
		Errors  int64   `json:"errors"`
		Rows    int64   `json:"rows"`
		AvgMS   float64 `json:"avg_ms"`
	} `json:"db_flush"`

	Metrics struct {
		Errors int64 `json:"errors"`
	} `json:"metrics"`

	Cleanup struct {
		DeletedBatches int64 `json:"deleted_batches"`
	} `json:"cleanup"`
}

func (s *Stats) Snapshot() Snapshot {
	var snap Snapshot
	if s == nil {
		return snap
	}
	snap.UptimeSeconds = int64(time.Since(s.start).Seconds())

	snap.HTTP.Requests = s.httpRequests.Load()
	snap.HTTP.Errors = s.httpErrors.Load()
	snap.HTTP.AvgMS = avgMS(s.httpLatencyUS.Load(), s.httpLatencyCount.Load())

	snap.Ingest.Accepted = s.ingestAccepted.Load()
	snap.Ingest.Rejected = s.ingestRejected.Load()
	snap.Ingest.RateLimited = s.ingestRateLimited.Load()

	snap.NSQ.PublishTotal = s.nsqPublishTotal.Load()
	snap.NSQ.PublishErrors = s.nsqPublishErrors.Load()
	snap.NSQ.PublishBytes = s.nsqPublishBytes.Load()
	snap.NSQ.DepthSessions = s.nsqDepthSessions.Load()

	snap.Consumer.Messages = s.consumerMessages.Load()
	snap.Consumer.Errors = s.consumerErrors.Load()
	snap.Consumer.AvgMS = avgMS(s.consumerLatencyUS.Load(), s.consumerLatencyCount.Load())

	snap.DBFlush.Flushes = s.dbFlushTotal.Load()
	snap.DBFlush.Errors = s.dbFlushErrors.Load()
	snap.DBFlush.Rows = s.dbFlushRows.Load()
	snap.DBFlush.AvgMS = avgMS(s.dbFlushLatencyUS.Load(), s.dbFlushLatencyCount.Load())

	snap.Metrics.Errors = s.metricsErrors.Load()
	snap.Cleanup.DeletedBatches = s.cleanupDeletedBatches.Load()
	return snap
}

func avgMS(totalUS, n int64) float64 {
	if n <= 0 {
		return 0
	}
	return float64(totalUS) / float64(n) / 1000.0
}

func (s *Stats) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}
