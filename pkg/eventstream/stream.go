package eventstream

import (
	"context"
	"log/slog"
	"sync"
)

// Publisher is the side of the stream business code depends on. Publish is
// fire-and-forget: failures are logged by the stream, never propagated, so a
// broker outage cannot fail a governed execution.
type Publisher interface {
	Publish(ctx context.Context, evt *Event)
}

// Stream is the kernel's event publisher: it normalizes the envelope, keeps a
// bounded in-memory replay log, and appends to the routed broker channel.
type Stream struct {
	broker   Broker
	router   *Router
	producer string
	logger   *slog.Logger

	mu        sync.Mutex
	replayLog []*Event
	maxLog    int
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithStreamLogger overrides the default slog logger.
func WithStreamLogger(l *slog.Logger) StreamOption {
	return func(s *Stream) { s.logger = l }
}

// WithReplayLogSize bounds the in-memory replay log.
func WithReplayLogSize(n int) StreamOption {
	return func(s *Stream) { s.maxLog = n }
}

// WithRouter replaces the default prefix router.
func WithRouter(r *Router) StreamOption {
	return func(s *Stream) { s.router = r }
}

// NewStream constructs a Stream over a broker. producer is stamped into
// event meta when the publisher left it empty.
func NewStream(broker Broker, producer string, opts ...StreamOption) *Stream {
	s := &Stream{
		broker:   broker,
		router:   NewRouter(),
		producer: producer,
		logger:   slog.Default().With("component", "eventstream"),
		maxLog:   defaultChannelRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Publish normalizes and appends the event to its routed channel. Failures
// are logged and swallowed; the producing path never blocks on the broker.
func (s *Stream) Publish(ctx context.Context, evt *Event) {
	if evt == nil {
		return
	}
	evt.Normalize(s.producer)

	s.mu.Lock()
	s.replayLog = append(s.replayLog, evt)
	if len(s.replayLog) > s.maxLog {
		s.replayLog = s.replayLog[len(s.replayLog)-s.maxLog:]
	}
	s.mu.Unlock()

	payload, err := evt.Encode()
	if err != nil {
		s.logger.Error("event encode failed", "type", evt.Type, "err", err)
		return
	}
	channel := s.router.Route(evt)
	if _, err := s.broker.Append(ctx, channel, payload); err != nil {
		s.logger.Error("event publish failed", "type", evt.Type, "channel", channel, "err", err)
	}
}

// Recent returns up to n most recent events from the replay log, oldest
// first. n <= 0 returns the whole retained log.
func (s *Stream) Recent(n int) []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.replayLog) {
		n = len(s.replayLog)
	}
	out := make([]*Event, n)
	copy(out, s.replayLog[len(s.replayLog)-n:])
	return out
}
