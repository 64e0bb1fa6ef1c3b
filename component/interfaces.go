package component

import (
	"context"
	"fmt"
)

// HealthStatus represents the health state of a component.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusDegraded  HealthStatus = "degraded"
)

// Health holds health information for a component.
type Health struct {
	Name    string       `json:"name"`
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// Healthy reports name as healthy with a formatted message.
func Healthy(name, format string, args ...any) Health {
	return newHealth(name, StatusHealthy, format, args)
}

// Degraded reports name as working with reduced capacity.
func Degraded(name, format string, args ...any) Health {
	return newHealth(name, StatusDegraded, format, args)
}

// Unhealthy reports name as unable to serve.
func Unhealthy(name, format string, args ...any) Health {
	return newHealth(name, StatusUnhealthy, format, args)
}

func newHealth(name string, status HealthStatus, format string, args []any) Health {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return Health{Name: name, Status: status, Message: msg}
}

// Component is a lifecycle-managed part of a pipeline worker: a backend
// connection, the hook bus, the engine or the scheduler.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	// Stop releases what Start acquired. Calling it on a component that
	// never started is a no-op.
	Stop(ctx context.Context) error
	Health(ctx context.Context) Health
}

// Description is one line of the startup summary.
type Description struct {
	// Name is the display name. If empty, the component's Name() is used.
	Name string
	// Type is the backend kind: "redis", "database", "kafka", "engine".
	Type string

	Details string
}

// Describable is implemented by components that report their settings in
// the startup summary.
type Describable interface {
	Describe() Description
}
