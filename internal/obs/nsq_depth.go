package obs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// channelStats is the subset of nsqd's /stats channel entry that counts
// toward backlog.
type channelStats struct {
	Name     string `json:"channel_name"`
	Depth    int64  `json:"depth"`
	InFlight int64  `json:"in_flight_count"`
	Deferred int64  `json:"deferred_count"`
}

type topicStats struct {
	Name     string         `json:"topic_name"`
	Depth    int64          `json:"depth"`
	Channels []channelStats `json:"channels"`
}

// DepthPoller reports how many messages of one topic are still waiting for
// a consumer, as seen by nsqd's HTTP API.
type DepthPoller struct {
	Topic    string
	Interval time.Duration
	Client   *http.Client
	Logger   *slog.Logger

	statsURL string
}

func NewDepthPoller(nsqdHTTPAddr, topic string) (*DepthPoller, error) {
	addr := strings.TrimSpace(nsqdHTTPAddr)
	if addr == "" {
		return nil, errors.New("nsqd http address is empty")
	}
	if topic == "" {
		return nil, errors.New("topic is empty")
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	q := url.Values{"format": {"json"}, "topic": {topic}}
	return &DepthPoller{
		Topic:    topic,
		Interval: 5 * time.Second,
		Client:   &http.Client{Timeout: 2 * time.Second},
		Logger:   slog.Default(),
		statsURL: strings.TrimRight(addr, "/") + "/stats?" + q.Encode(),
	}, nil
}

// Poll returns the topic backlog: depth, in-flight and deferred messages
// summed over its channels. A topic without channels reports its own depth.
func (p *DepthPoller) Poll(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.statsURL, nil)
	if err != nil {
		return 0, err
	}
	res, err := p.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		return 0, fmt.Errorf("nsqd stats: status %d", res.StatusCode)
	}

	var body struct {
		Topics []topicStats `json:"topics"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("nsqd stats: %w", err)
	}
	for _, t := range body.Topics {
		if t.Name != p.Topic {
			continue
		}
		if len(t.Channels) == 0 {
			return t.Depth, nil
		}
		var backlog int64
		for _, ch := range t.Channels {
			backlog += ch.Depth + ch.InFlight + ch.Deferred
		}
		return backlog, nil
	}
	return 0, nil
}

// Run polls until ctx is done and stores each result in stats.
func (p *DepthPoller) Run(ctx context.Context, stats *Stats) {
	if p == nil || stats == nil {
		return
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failing := false
	for {
		depth, err := p.Poll(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			if !failing {
				p.Logger.Warn("nsq depth poll failed", "topic", p.Topic, "err", err)
			}
			failing = true
		case err == nil:
			if failing {
				p.Logger.Info("nsq depth poll recovered", "topic", p.Topic)
			}
			failing = false
			stats.SetNSQDepth(p.Topic, depth)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
