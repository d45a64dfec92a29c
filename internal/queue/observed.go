package queue

import (
	"log/slog"

	"github.com/aak1247/sessiontap/internal/obs"
)

type observedPublisher struct {
	inner  Publisher
	stats  *obs.Stats
	logger *slog.Logger
}

// ObservePublisher counts publishes and their bytes in stats and logs
// failures. Wrapping an already observed publisher returns it unchanged.
func ObservePublisher(p Publisher, stats *obs.Stats, logger *slog.Logger) Publisher {
	if p == nil || stats == nil {
		return p
	}
	if _, ok := p.(*observedPublisher); ok {
		return p
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &observedPublisher{inner: p, stats: stats, logger: logger}
}

func (p *observedPublisher) Publish(topic string, body []byte) error {
	err := p.inner.Publish(topic, body)
	p.stats.ObserveNSQPublish(len(body), err)
	if err != nil {
		p.logger.Warn("publish failed", "topic", topic, "bytes", len(body), "err", err)
	}
	return err
}
