package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/aak1247/sessiontap/internal/enrich"
	"github.com/aak1247/sessiontap/internal/ingest"
	"github.com/aak1247/sessiontap/internal/metrics"
	"github.com/aak1247/sessiontap/internal/obs"
	"github.com/aak1247/sessiontap/internal/store"
	"gorm.io/gorm"
)

// handleTimeout is kept below msgTimeout.
const handleTimeout = 25 * time.Second

type ProcessorOptions struct {
	DB            *gorm.DB
	Recorder      *metrics.RedisRecorder
	GeoIP         *enrich.GeoIP
	Stats         *obs.Stats
	Logger        *slog.Logger
	BatchSize     int
	FlushInterval time.Duration
}

// Processor turns queue messages into stored session batches. Writes are
// grouped by a Batcher; Handle returns once its batch is committed.
type Processor struct {
	recorder *metrics.RedisRecorder
	geoip    *enrich.GeoIP
	stats    *obs.Stats
	logger   *slog.Logger
	batcher  *Batcher[store.BatchRows]
}

func NewProcessor(opts ProcessorOptions) (*Processor, error) {
	if opts.DB == nil {
		return nil, errors.New("consumer: DB is nil")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &Processor{
		recorder: opts.Recorder,
		geoip:    opts.GeoIP,
		stats:    opts.Stats,
		logger:   opts.Logger,
	}
	db, stats := opts.DB, opts.Stats
	batchOpts := BatcherOptions{MaxSize: opts.BatchSize, FlushInterval: opts.FlushInterval}
	p.batcher = NewBatcher[store.BatchRows](batchOpts, func(ctx context.Context, rows []store.BatchRows) error {
		start := time.Now()
		err := store.InsertBatches(ctx, db, rows)
		stats.ObserveDBFlush(len(rows), time.Since(start), err)
		return err
	})
	return p, nil
}

// Handle stores one queue message. Undecodable messages are dropped with a
// warning; a nil return tells NSQ not to requeue them. Write failures are
// returned so the message is retried.
func (p *Processor) Handle(body []byte) error {
	start := time.Now()

	var msg ingest.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		p.logger.Warn("drop undecodable message", "err", err)
		p.stats.ObserveConsumerMessage(time.Since(start), nil)
		return nil
	}
	rows, err := store.BatchFromMessage(msg)
	if err != nil {
		p.logger.Warn("drop invalid session message", "id", msg.ID, "err", err)
		p.stats.ObserveConsumerMessage(time.Since(start), nil)
		return nil
	}

	p.geoip.Annotate(&rows.Batch)

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	err = p.batcher.Add(ctx, rows)
	cancel()
	if err != nil {
		p.stats.ObserveConsumerMessage(time.Since(start), err)
		return err
	}

	p.observeMetrics(rows)
	p.stats.ObserveConsumerMessage(time.Since(start), nil)
	return nil
}

func (p *Processor) observeMetrics(rows store.BatchRows) {
	if p.recorder == nil {
		return
	}
	b := metrics.Batch{
		APIKey:     rows.Batch.APIKey,
		SessionID:  rows.Batch.SessionID,
		UserIDHash: rows.Batch.UserIDHash,
		AppVersion: rows.Batch.AppVersion,
		Country:    rows.Batch.Country,
		ErrorCount: len(rows.Errors),
		Received:   rows.Batch.Received,
	}
	for _, ev := range rows.Events {
		b.EventNames = append(b.EventNames, ev.Name)
		if ev.Duration > 0 {
			b.WithDuration++
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.recorder.ObserveBatch(ctx, b); err != nil {
		p.stats.ObserveMetricsError()
		p.logger.Debug("metrics update failed", "batch", rows.Batch.ID, "err", err)
	}
}

func (p *Processor) Close() {
	if p == nil {
		return
	}
	p.batcher.Close()
}

// DirectPublisher satisfies queue.Publisher by handing messages straight to a
// Processor. It replaces NSQ when no nsqd is configured.
type DirectPublisher struct {
	Processor *Processor
}

func (d *DirectPublisher) Publish(topic string, body []byte) error {
	if d == nil || d.Processor == nil {
		return errors.New("consumer: processor is nil")
	}
	if topic != ingest.TopicSessions {
		return nil
	}
	return d.Processor.Handle(body)
}
