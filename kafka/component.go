package kafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/kbukum/etlkit/component"
	"github.com/kbukum/etlkit/logger"
)

// Component owns a Producer and implements component.Component.
type Component struct {
	cfg      Config
	log      *logger.Logger
	producer *Producer
	mu       sync.Mutex
}

var _ component.Component = (*Component)(nil)

// NewComponent creates a Kafka component for use with the component registry.
func NewComponent(cfg Config, log *logger.Logger) *Component {
	cfg.ApplyDefaults()
	return &Component{
		cfg: cfg,
		log: log.WithComponent("kafka"),
	}
}

// SetProducer injects a producer. Start then leaves it in place.
func (c *Component) SetProducer(p *Producer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.producer = p
}

// Producer returns the producer, or nil before Start.
func (c *Component) Producer() *Producer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.producer
}

// Name returns the component name.
func (c *Component) Name() string { return "kafka" }

// Start creates the producer unless one was injected.
func (c *Component) Start(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.producer != nil {
		return nil
	}
	p, err := NewProducer(c.cfg, c.log)
	if err != nil {
		return fmt.Errorf("kafka start: %w", err)
	}
	c.producer = p
	return nil
}

// Stop closes the producer.
func (c *Component) Stop(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.producer == nil {
		return nil
	}
	err := c.producer.Close()
	c.producer = nil
	return err
}

// Health checks broker connectivity by dialling the first broker.
func (c *Component) Health(ctx context.Context) component.Health {
	c.mu.Lock()
	producer := c.producer
	cfg := c.cfg
	c.mu.Unlock()

	if producer == nil {
		return component.Unhealthy(c.Name(), "kafka not started")
	}

	dialer, err := CreateDialer(&cfg)
	if err != nil {
		return component.Unhealthy(c.Name(), "dialer: %v", err)
	}

	conn, err := dialer.DialContext(ctx, "tcp", cfg.Brokers[0])
	if err != nil {
		return component.Unhealthy(c.Name(), "broker %s unreachable: %v", cfg.Brokers[0], err)
	}
	defer conn.Close()

	if _, err := conn.Brokers(); err != nil {
		return component.Degraded(c.Name(), "broker metadata: %v", err)
	}

	return component.Healthy(c.Name(), "%s", producer.Stats())
}

// Describe returns summary info for the startup log.
func (c *Component) Describe() component.Description {
	return component.Description{
		Name:    "Kafka",
		Type:    "kafka",
		Details: fmt.Sprintf("brokers=%v compression=%s", c.cfg.Brokers, c.cfg.Compression),
	}
}
