package bootstrap

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kbukum/etlkit/adapter"
	"github.com/kbukum/etlkit/component"
	"github.com/kbukum/etlkit/scheduler"
)

// Summary prints what the application started with.
type Summary struct {
	serviceName     string
	version         string
	startupDuration time.Duration
}

// NewSummary creates a startup summary for the service.
func NewSummary(serviceName, version string) *Summary {
	return &Summary{serviceName: serviceName, version: version}
}

// SetStartupDuration records how long startup took.
func (s *Summary) SetStartupDuration(d time.Duration) {
	s.startupDuration = d
}

// Write prints the summary: infrastructure, registered adapters, schedules
// and live health. Any of the sources may be nil.
func (s *Summary) Write(w io.Writer, comps *component.Registry, adapters *adapter.Registry, sched *scheduler.Scheduler) {
	fmt.Fprintf(w, "\n🚀 %s v%s started in %.2fs\n", s.serviceName, s.version, s.startupDuration.Seconds())

	if comps != nil {
		var lines []string
		for _, c := range comps.All() {
			d, ok := c.(component.Describable)
			if !ok {
				continue
			}
			desc := d.Describe()
			name := desc.Name
			if name == "" {
				name = c.Name()
			}
			lines = append(lines, fmt.Sprintf("%s [%s]: %s", name, desc.Type, desc.Details))
		}
		section(w, "📊 Infrastructure", lines)
	}

	if adapters != nil {
		var lines []string
		for _, role := range adapter.Roles {
			defs := adapters.List(role)
			if len(defs) == 0 {
				continue
			}
			codes := make([]string, 0, len(defs))
			for _, d := range defs {
				codes = append(codes, d.Code)
			}
			lines = append(lines, fmt.Sprintf("%s (%d): %s", role, len(defs), strings.Join(codes, ", ")))
		}
		if len(lines) == 0 {
			lines = []string{"no adapters registered"}
		}
		section(w, "🧩 Adapters", lines)
	}

	if sched != nil {
		var lines []string
		for _, e := range sched.Entries() {
			next := "-"
			if !e.Next.IsZero() {
				next = e.Next.Format(time.RFC3339)
			}
			lines = append(lines, fmt.Sprintf("%s %q next %s", e.Code, e.Schedule, next))
		}
		section(w, "⏰ Schedules", lines)
	}

	if comps != nil {
		results := comps.HealthAll(context.Background())
		lines := make([]string, 0, len(results))
		healthy := 0
		for _, h := range results {
			msg := ""
			if h.Message != "" {
				msg = " (" + h.Message + ")"
			}
			if h.Status == component.StatusHealthy {
				healthy++
			}
			lines = append(lines, fmt.Sprintf("%s %s: %s%s", healthIcon(h.Status), h.Name, h.Status, msg))
		}
		section(w, "🏥 Health", lines)
		if len(results) > 0 {
			if healthy == len(results) {
				fmt.Fprintf(w, "\n✅ All components healthy (%d/%d)\n", healthy, len(results))
			} else {
				fmt.Fprintf(w, "\n⚠️  Some components have issues (%d/%d healthy)\n", healthy, len(results))
			}
		}
	}
	fmt.Fprintln(w)
}

func section(w io.Writer, title string, lines []string) {
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s\n", title)
	for i, l := range lines {
		prefix := "├──"
		if i == len(lines)-1 {
			prefix = "└──"
		}
		fmt.Fprintf(w, "   %s %s\n", prefix, l)
	}
}

func healthIcon(status component.HealthStatus) string {
	switch status {
	case component.StatusHealthy:
		return "✅"
	case component.StatusDegraded:
		return "⚠️"
	case component.StatusUnhealthy:
		return "❌"
	default:
		return "❓"
	}
}
