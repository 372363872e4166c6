// Package scheduler implements the round ticker: the single periodic
// tick that drives every active tunnel's switchover and, when idle,
// cover traffic.
package scheduler

import (
	"sync"
	"time"

	"onionrelay/internal/handler"
)

// CoverSender issues cover traffic through a dedicated cover tunnel when
// the node currently has no real tunnels open.
type CoverSender func(size uint16) error

// Scheduler owns the round ticker and the registry of active handlers.
// It is the only coordination point between tunnels; handlers never
// share state directly.
type Scheduler struct {
	period      time.Duration
	coverSize   uint16
	coverEnable bool
	sendCover   CoverSender

	mu       sync.Mutex
	handlers map[uint32]*handler.Handler
	cover    *handler.Handler

	stop chan struct{}
	done chan struct{}
}

// New constructs a Scheduler with round period and cover-traffic policy
// taken from configuration.
func New(period time.Duration, coverEnabled bool, coverSize uint16, sendCover CoverSender) *Scheduler {
	return &Scheduler{
		period:      period,
		coverSize:   coverSize,
		coverEnable: coverEnabled,
		sendCover:   sendCover,
		handlers:    make(map[uint32]*handler.Handler),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// SetCoverSender assigns the cover-traffic sender after construction,
// used when the sender is a method on a type (e.g. Router) that itself
// needs a reference to this Scheduler to be built first.
func (s *Scheduler) SetCoverSender(fn CoverSender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendCover = fn
}

// Register adds h to the set of handlers that receive Switchover on
// every tick.
func (s *Scheduler) Register(h *handler.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[h.TunnelID] = h
}

// RegisterCover attaches the dedicated cover-traffic tunnel's handler.
// It receives Switchover on every tick like any other handler but does
// not count as a real tunnel when deciding whether the node is idle —
// otherwise the first cover round would suppress every later one.
func (s *Scheduler) RegisterCover(h *handler.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cover = h
}

// Unregister removes a handler, e.g. once it reaches Destroyed.
func (s *Scheduler) Unregister(tunnelID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, tunnelID)
}

// Run ticks every period until Stop is called.
func (s *Scheduler) Run() {
	defer close(s.done)

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	active := make([]*handler.Handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		active = append(active, h)
	}
	cover := s.cover
	sendCover := s.sendCover
	s.mu.Unlock()

	ticked := active
	if cover != nil {
		ticked = append(ticked, cover)
	}
	for _, h := range ticked {
		select {
		case h.Requests() <- handler.Request{Kind: handler.RequestSwitchover}:
		default:
			// a full request queue means the handler is wedged; skip
			// this tick rather than block the whole round.
		}
	}

	if s.coverEnable && len(active) == 0 && sendCover != nil {
		_ = sendCover(s.coverSize)
	}
}

// Stop ends the ticking loop and waits for Run to return.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}
