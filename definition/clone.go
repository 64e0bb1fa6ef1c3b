package definition

import (
	"github.com/kbukum/etlkit/route"
)

// Clone returns a deep copy so a run can work on a snapshot that later
// edits cannot reach.
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	out := *d
	out.Steps = make([]Step, len(d.Steps))
	for i, s := range d.Steps {
		out.Steps[i] = s.clone()
	}
	out.Edges = append([]Edge(nil), d.Edges...)
	if d.Capabilities != nil {
		caps := Capabilities{
			RequiredPermissions: append([]string(nil), d.Capabilities.RequiredPermissions...),
			WriteDomains:        append([]string(nil), d.Capabilities.WriteDomains...),
		}
		out.Capabilities = &caps
	}
	if d.Context.Checkpointing.Enabled != nil {
		enabled := *d.Context.Checkpointing.Enabled
		out.Context.Checkpointing.Enabled = &enabled
	}
	return &out
}

func (s Step) clone() Step {
	out := s
	out.Config.Settings = copyMap(s.Config.Settings)
	if s.Config.Branches != nil {
		out.Config.Branches = make([]route.Branch, len(s.Config.Branches))
		for i, b := range s.Config.Branches {
			nb := b
			nb.When = make([]route.Condition, len(b.When))
			for j, c := range b.When {
				c.Value = copyValue(c.Value)
				nb.When[j] = c
			}
			out.Config.Branches[i] = nb
		}
	}
	if s.RateLimit != nil {
		rl := *s.RateLimit
		out.RateLimit = &rl
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = copyValue(e)
		}
		return s
	default:
		return v
	}
}
