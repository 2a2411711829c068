package eventstream

import (
	"sort"
	"strings"
)

// InboxChannel names the direct-delivery channel for a subscriber.
func InboxChannel(subscriber string) string {
	return "inbox:" + subscriber
}

// Router maps event types to channels by longest-prefix match. An explicit
// event target overrides routing and delivers to the subscriber's inbox.
type Router struct {
	prefixes map[string]string
	fallback string
}

// NewRouter returns a router with the kernel's default prefix table.
func NewRouter() *Router {
	return &Router{
		prefixes: map[string]string{
			"mission.":        ChannelMission,
			"task.":           ChannelTask,
			"ethics.":         ChannelEthics,
			"system.":         ChannelSystem,
			"ir.":             ChannelEthics,
			"execution_graph": ChannelTask,
		},
		fallback: ChannelSystem,
	}
}

// Bind adds or replaces a prefix mapping.
func (r *Router) Bind(prefix, channel string) {
	r.prefixes[prefix] = channel
}

// Route resolves the channel for an event.
func (r *Router) Route(evt *Event) string {
	if evt.Target != "" {
		return InboxChannel(evt.Target)
	}

	// Longest prefix wins so "ir.approval_" style refinements can coexist
	// with the broad "ir." binding.
	best := ""
	for prefix := range r.prefixes {
		if strings.HasPrefix(evt.Type, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return r.fallback
	}
	return r.prefixes[best]
}

// Prefixes returns the configured prefix table in deterministic order,
// for diagnostics.
func (r *Router) Prefixes() []string {
	out := make([]string, 0, len(r.prefixes))
	for p := range r.prefixes {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
