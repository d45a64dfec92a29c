package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nsqio/go-nsq"
)

// NSQPublisher publishes accepted session batches to nsqd.
type NSQPublisher struct {
	producer *nsq.Producer
	addr     string
}

func NewNSQPublisher(nsqdAddress string, logger *slog.Logger) (*NSQPublisher, error) {
	if nsqdAddress == "" {
		return nil, errors.New("nsqd address is empty")
	}
	cfg := nsq.NewConfig()
	cfg.DialTimeout = 2 * time.Second
	// Must exceed the 30s heartbeat interval.
	cfg.ReadTimeout = 35 * time.Second
	cfg.WriteTimeout = 5 * time.Second

	producer, err := nsq.NewProducer(nsqdAddress, cfg)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		producer.SetLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo), nsq.LogLevelWarning)
	}
	return &NSQPublisher{producer: producer, addr: nsqdAddress}, nil
}

// Ping checks that nsqd accepts connections.
func (p *NSQPublisher) Ping() error {
	if err := p.producer.Ping(); err != nil {
		return fmt.Errorf("nsqd %s: %w", p.addr, err)
	}
	return nil
}

func (p *NSQPublisher) Publish(topic string, body []byte) error {
	if !nsq.IsValidTopicName(topic) {
		return fmt.Errorf("invalid topic %q", topic)
	}
	return p.producer.Publish(topic, body)
}

func (p *NSQPublisher) Stop() {
	if p == nil || p.producer == nil {
		return
	}
	p.producer.Stop()
}
