package metrics

import (
	"log/slog"
	"sync"

	"github.com/adam91holt/observatory/internal/gateway"
	"github.com/adam91holt/observatory/internal/protocol"
)

// Collector feeds an Aggregator from the Gateway's message and model.usage
// topics, deduplicating by the event-carried id.
type Collector struct {
	agg *Aggregator
	log *slog.Logger

	mu     sync.Mutex
	unsubs []func()
}

// NewCollector creates a collector over agg.
func NewCollector(agg *Aggregator, log *slog.Logger) *Collector {
	if log == nil {
		log = slog.Default()
	}
	return &Collector{agg: agg, log: log.With("component", "metrics")}
}

// Bind subscribes to the metric-bearing topics.
func (c *Collector) Bind(client *gateway.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubs = append(c.unsubs,
		client.On(protocol.TopicMessage, c.handleMessage),
		client.On(protocol.TopicModelUsage, c.handleModelUsage),
	)
}

// Unbind removes every subscription installed by Bind.
func (c *Collector) Unbind() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

func (c *Collector) handleMessage(ev gateway.Event) {
	msg, ok := ev.Payload.(*protocol.MessageEvent)
	if !ok {
		return
	}
	c.agg.RecordMessage(msg.Direction, msg.ID)
}

func (c *Collector) handleModelUsage(ev gateway.Event) {
	mu, ok := ev.Payload.(*protocol.ModelUsageEvent)
	if !ok {
		return
	}
	if mu.Model == "" {
		c.log.Debug("model.usage event without model", "id", mu.ID)
	}
	c.agg.RecordModelUsage(mu.Model, mu.TokensIn, mu.TokensOut, mu.CostUSD, mu.ID)
}
