package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aak1247/sessiontap/internal/config"
	"github.com/aak1247/sessiontap/internal/ingest"
	"github.com/nsqio/go-nsq"
)

const (
	msgTimeout = 30 * time.Second
	// maxAttempts bounds redelivery of a message whose write keeps failing.
	maxAttempts = 20
)

// SessionConsumer feeds the sessions topic into a Processor.
type SessionConsumer struct {
	consumer *nsq.Consumer
	proc     *Processor
	logger   *slog.Logger
}

// NewNSQSessionConsumer subscribes proc to the sessions topic and blocks until
// nsqd accepts the connection or ctx ends. Stop closes proc after the
// consumer has drained.
func NewNSQSessionConsumer(ctx context.Context, cfg config.Config, proc *Processor, logger *slog.Logger) (*SessionConsumer, error) {
	if proc == nil {
		return nil, errors.New("consumer: processor is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	channel := cfg.NSQChannel
	if channel == "" {
		channel = "session-consumer"
	}

	nsqCfg := nsq.NewConfig()
	nsqCfg.MaxInFlight = cfg.NSQMaxInFlight
	if nsqCfg.MaxInFlight <= 0 {
		nsqCfg.MaxInFlight = 200
	}
	nsqCfg.MsgTimeout = msgTimeout
	nsqCfg.MaxAttempts = 0

	cons, err := nsq.NewConsumer(ingest.TopicSessions, channel, nsqCfg)
	if err != nil {
		return nil, err
	}
	cons.SetLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo), nsq.LogLevelWarning)

	sc := &SessionConsumer{consumer: cons, proc: proc, logger: logger.With("channel", channel)}
	cons.AddConcurrentHandlers(nsq.HandlerFunc(sc.handle), max(cfg.NSQConcurrency, 1))

	if err := connectWithRetry(ctx, cons, cfg.NSQDAddress, sc.logger); err != nil {
		cons.Stop()
		return nil, err
	}
	return sc, nil
}

func (c *SessionConsumer) handle(m *nsq.Message) error {
	err := c.proc.Handle(m.Body)
	if err == nil {
		return nil
	}
	if m.Attempts >= maxAttempts {
		c.logger.Error("drop session message after repeated write failures",
			"msg_id", string(m.ID[:]), "attempts", m.Attempts, "err", err)
		return nil
	}
	c.logger.Warn("session write failed, requeueing", "attempts", m.Attempts, "err", err)
	return err
}

func (c *SessionConsumer) Stop() {
	if c == nil || c.consumer == nil {
		return
	}
	c.consumer.Stop()
	<-c.consumer.StopChan
	c.proc.Close()
}

func connectWithRetry(ctx context.Context, cons *nsq.Consumer, addr string, logger *slog.Logger) error {
	const (
		giveUpAfter = 2 * time.Minute
		maxDelay    = 5 * time.Second
	)
	deadline := time.Now().Add(giveUpAfter)
	delay := 300 * time.Millisecond

	for attempt := 1; ; attempt++ {
		err := cons.ConnectToNSQD(addr)
		if err == nil {
			logger.Info("nsq consumer connected", "addr", addr, "attempt", attempt)
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("connect nsqd %s: %w", addr, err)
		}
		logger.Warn("nsq connect failed", "addr", addr, "attempt", attempt, "err", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, maxDelay)
	}
}
