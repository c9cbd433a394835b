// Package multireceiver implements the top-level dispatch layer across
// every (endpoint, TSI) reception session on a host (spec.md §4.8):
// lazy session creation on first packet, and a fanned-out Cleanup that
// runs every session concurrently.
package multireceiver

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/fluteproto/flute/endpoint"
	"github.com/fluteproto/flute/object"
	"github.com/fluteproto/flute/oti"
	"github.com/fluteproto/flute/receiver"
)

type sessionKey struct {
	endpoint endpoint.UDPEndpoint
	tsi      uint64
}

// MultiReceiver dispatches packets to per-session state, creating
// sessions lazily.
type MultiReceiver struct {
	mu       sync.Mutex
	baseOTI  oti.Oti
	builder  object.Builder
	cfg      receiver.Config
	sessions map[sessionKey]*receiver.Session
}

// New builds a dispatcher. Every lazily-created session shares baseOTI,
// builder and cfg.
func New(baseOTI oti.Oti, builder object.Builder, cfg receiver.Config) *MultiReceiver {
	return &MultiReceiver{
		baseOTI:  baseOTI,
		builder:  builder,
		cfg:      cfg,
		sessions: make(map[sessionKey]*receiver.Session),
	}
}

// Push routes packetBytes to the session for (ep, tsi), creating it on
// first sight.
func (m *MultiReceiver) Push(ep endpoint.UDPEndpoint, tsi uint64, packetBytes []byte, now time.Time) error {
	return m.sessionFor(ep, tsi).Push(packetBytes, now)
}

func (m *MultiReceiver) sessionFor(ep endpoint.UDPEndpoint, tsi uint64) *receiver.Session {
	key := sessionKey{endpoint: ep, tsi: tsi}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[key]; ok {
		return sess
	}
	sess := receiver.New(ep, tsi, m.baseOTI, m.builder, m.cfg)
	m.sessions[key] = sess
	return sess
}

// Cleanup runs every session's Cleanup concurrently, combining every
// error they return into one (rather than stopping at the first, the way
// a plain errgroup would) so one stuck session can't hide another's
// failure.
func (m *MultiReceiver) Cleanup(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	sessions := make([]*receiver.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	var mu sync.Mutex
	var errs error

	g, _ := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		sess := sess
		g.Go(func() error {
			if err := sess.Cleanup(now); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errs
}

// RemoveSession drops a session's state, e.g. after the caller detects
// the underlying TSI has closed (LCT close_session flag).
func (m *MultiReceiver) RemoveSession(ep endpoint.UDPEndpoint, tsi uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionKey{endpoint: ep, tsi: tsi})
}
