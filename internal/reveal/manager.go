package reveal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/finpocket/cardvault/internal/backend"
	"github.com/finpocket/cardvault/internal/models"
)

// ErrHidden is returned when a reveal was hidden or superseded while
// its fetch was still in flight; the late secret is discarded.
var ErrHidden = errors.New("reveal session hidden")

// Session is a time-boxed grant of access to a card's secret fields.
type Session struct {
	CardID    string               `json:"card_id"`
	Secret    models.SecretPayload `json:"secret"`
	ExpiresAt time.Time            `json:"expires_at"`
}

type state struct {
	secret    models.SecretPayload
	expiresAt time.Time
	timer     *time.Timer
}

// Manager bridges a successful unlock to bounded secret exposure.
// Fetches are deduplicated per card; sessions auto-expire after the
// TTL. Per-card generation counters guarantee a fetch that loses to
// Hide never stores its secret.
type Manager struct {
	mu       sync.Mutex
	backend  backend.Backend
	ttl      time.Duration
	log      *logrus.Logger
	group    singleflight.Group
	sessions map[string]*state
	gens     map[string]uint64
	onExpire func(cardID string)
}

// NewManager builds a reveal manager with the given session TTL.
func NewManager(b backend.Backend, ttl time.Duration, log *logrus.Logger) *Manager {
	return &Manager{
		backend:  b,
		ttl:      ttl,
		log:      log,
		sessions: make(map[string]*state),
		gens:     make(map[string]uint64),
	}
}

// OnExpire registers the observer called when a session times out so
// dependent callers stop rendering the secret. It is not called for a
// manual Hide.
func (m *Manager) OnExpire(fn func(cardID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = fn
}

// Active returns the live session for cardID, if any.
func (m *Manager) Active(cardID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.sessions[cardID]
	if st == nil {
		return Session{}, false
	}
	return Session{CardID: cardID, Secret: st.secret, ExpiresAt: st.expiresAt}, true
}

// Request returns the active session for cardID or fetches the secret
// from the backend. Concurrent requests for the same card share one
// fetch; requests for different cards are independent.
func (m *Manager) Request(ctx context.Context, cardID string) (Session, error) {
	if s, ok := m.Active(cardID); ok {
		return s, nil
	}
	v, err, _ := m.group.Do(cardID, func() (interface{}, error) {
		m.mu.Lock()
		if st := m.sessions[cardID]; st != nil {
			s := Session{CardID: cardID, Secret: st.secret, ExpiresAt: st.expiresAt}
			m.mu.Unlock()
			return s, nil
		}
		gen := m.gens[cardID]
		m.mu.Unlock()

		secret, err := m.backend.GetCardDetails(ctx, cardID)
		if err != nil {
			return Session{}, fmt.Errorf("failed to fetch card details: %w", err)
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.gens[cardID] != gen {
			// hidden while the fetch was outstanding
			return Session{}, ErrHidden
		}
		expires := time.Now().Add(m.ttl)
		st := &state{secret: secret, expiresAt: expires}
		st.timer = time.AfterFunc(m.ttl, func() { m.expire(cardID, gen) })
		m.sessions[cardID] = st
		if m.log != nil {
			m.log.Debugf("reveal session opened for card %s until %s", cardID, expires.Format(time.RFC3339))
		}
		return Session{CardID: cardID, Secret: secret, ExpiresAt: expires}, nil
	})
	if err != nil {
		return Session{}, err
	}
	return v.(Session), nil
}

// Hide discards the session for cardID and invalidates any in-flight
// fetch. Idempotent.
func (m *Manager) Hide(cardID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gens[cardID]++
	if st := m.sessions[cardID]; st != nil {
		st.timer.Stop()
		delete(m.sessions, cardID)
	}
}

// HideAll discards every session; used on teardown and gate relock.
func (m *Manager) HideAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, st := range m.sessions {
		st.timer.Stop()
		delete(m.sessions, id)
		m.gens[id]++
	}
}

// expire runs on TTL elapse; a bumped generation means the session was
// already hidden or replaced and there is nothing to do.
func (m *Manager) expire(cardID string, gen uint64) {
	m.mu.Lock()
	if m.gens[cardID] != gen {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, cardID)
	m.gens[cardID]++
	notify := m.onExpire
	m.mu.Unlock()

	if m.log != nil {
		m.log.Debugf("reveal session expired for card %s", cardID)
	}
	if notify != nil {
		notify(cardID)
	}
}
