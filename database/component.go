package database

import (
	"context"
	"fmt"
	"sync"

	"github.com/kbukum/etlkit/component"
	"github.com/kbukum/etlkit/logger"
)

// Component owns the DB connection for the component registry.
type Component struct {
	cfg    Config
	log    *logger.Logger
	models []any

	mu sync.RWMutex
	db *DB
}

var (
	_ component.Component   = (*Component)(nil)
	_ component.Describable = (*Component)(nil)
)

// NewComponent creates a database component.
func NewComponent(cfg Config, log *logger.Logger) *Component {
	cfg.ApplyDefaults()
	return &Component{cfg: cfg, log: log.WithComponent("database")}
}

// WithAutoMigrate registers models migrated on Start when Config.AutoMigrate
// is set.
func (c *Component) WithAutoMigrate(models ...any) *Component {
	c.models = append(c.models, models...)
	return c
}

// AutoMigrates reports whether Start migrates the registered models.
func (c *Component) AutoMigrates() bool { return c.cfg.AutoMigrate && len(c.models) > 0 }

// DB returns the connection, or nil before Start and after Stop.
func (c *Component) DB() *DB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db
}

func (c *Component) Name() string { return "database" }

// Start connects with retries and runs the registered migrations.
func (c *Component) Start(ctx context.Context) error {
	if !c.cfg.Enabled {
		c.log.Info("database disabled")
		return nil
	}
	if err := c.cfg.Validate(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}
	db, err := New(ctx, c.cfg, c.log, nil)
	if err != nil {
		return fmt.Errorf("database start: %w", err)
	}
	if c.AutoMigrates() {
		if err := db.AutoMigrate(c.models...); err != nil {
			_ = db.Close()
			return fmt.Errorf("database auto-migrate: %w", err)
		}
	}
	c.mu.Lock()
	c.db = db
	c.mu.Unlock()
	return nil
}

func (c *Component) Stop(_ context.Context) error {
	c.mu.Lock()
	db := c.db
	c.db = nil
	c.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}

// Health pings the database and reports pool usage. A pool that has made
// callers wait for a connection is degraded.
func (c *Component) Health(ctx context.Context) component.Health {
	if !c.cfg.Enabled {
		return component.Healthy(c.Name(), "disabled")
	}
	db := c.DB()
	if db == nil {
		return component.Unhealthy(c.Name(), "database not started")
	}
	if err := db.PingContext(ctx); err != nil {
		return component.Unhealthy(c.Name(), "ping failed: %v", err)
	}
	st, err := db.Stats()
	if err != nil {
		return component.Degraded(c.Name(), "pool stats: %v", err)
	}
	if st.InUse >= c.cfg.MaxOpenConns && st.WaitCount > 0 {
		return component.Degraded(c.Name(), "pool saturated: %d in use, %d waits", st.InUse, st.WaitCount)
	}
	return component.Healthy(c.Name(), "%d open, %d in use", st.OpenConnections, st.InUse)
}

func (c *Component) Describe() component.Description {
	details := fmt.Sprintf("%s pool=%d/%d", c.cfg.Driver, c.cfg.MaxOpenConns, c.cfg.MaxIdleConns)
	if c.AutoMigrates() {
		details += fmt.Sprintf(" migrate=%d", len(c.models))
	}
	return component.Description{Name: "Database", Type: "database", Details: details}
}
