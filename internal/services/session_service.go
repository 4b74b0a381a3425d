package services

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"ValoraRamp/internal/lifecycle"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNoListener      = errors.New("no client is attached to the session")
)

// SessionService owns the live order sessions, one per browser tab.
type SessionService struct {
	deps    lifecycle.Deps
	cfg     lifecycle.Config
	broker  *Broker
	idleTTL time.Duration
	now     func() time.Time
	log     zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*lifecycle.Session
}

// NewSessionService wires deps into every session it creates. Events are
// published through broker; deps.Publisher is ignored.
func NewSessionService(deps lifecycle.Deps, cfg lifecycle.Config, broker *Broker, idleTTL time.Duration) *SessionService {
	deps.Publisher = broker
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &SessionService{
		deps:     deps,
		cfg:      cfg,
		broker:   broker,
		idleTTL:  idleTTL,
		now:      now,
		log:      log.With().Str("component", "sessions").Logger(),
		sessions: map[string]*lifecycle.Session{},
	}
}

// SetSigner installs the wallet signer. The signer needs the service as its
// redirector, so it is attached after construction.
func (s *SessionService) SetSigner(signer lifecycle.Signer) {
	s.deps.Signer = signer
}

// Create opens a session prefilled from the link query. A ref parameter
// loads the existing order instead of starting a new one.
func (s *SessionService) Create(ctx context.Context, query url.Values) (lifecycle.View, error) {
	prefill, err := lifecycle.ParsePrefill(query)
	if err != nil {
		return lifecycle.View{}, err
	}

	id := uuid.NewString()
	sess := lifecycle.New(id, s.deps, s.cfg, prefill)
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	s.log.Info().Str("session", id).Str("direction", string(prefill.Direction)).Str("token", string(prefill.Token)).Msg("session opened")

	if prefill.Ref == "" {
		return sess.Snapshot(), nil
	}
	v, err := sess.Rehydrate(ctx, prefill.Ref)
	if err != nil {
		// The failure is part of the view; the session stays usable.
		s.log.Warn().Err(err).Str("session", id).Str("ref", prefill.Ref).Msg("rehydrate failed")
	}
	return v, nil
}

func (s *SessionService) Get(id string) (*lifecycle.Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *SessionService) Close(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	sess.Close()
	s.log.Info().Str("session", id).Msg("session closed")
	return nil
}

func (s *SessionService) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep ticks every live session and closes the ones idle for longer than
// the idle TTL with no client attached. It returns how many were closed.
func (s *SessionService) Sweep() int {
	s.mu.RLock()
	live := make(map[string]*lifecycle.Session, len(s.sessions))
	for id, sess := range s.sessions {
		live[id] = sess
	}
	s.mu.RUnlock()

	now := s.now()
	closed := 0
	for id, sess := range live {
		if s.idleTTL > 0 && now.Sub(sess.IdleSince()) > s.idleTTL && s.broker.Subscribers(id) == 0 {
			if s.Close(id) == nil {
				closed++
			}
			continue
		}
		sess.Tick()
	}
	return closed
}

// CloseAll shuts every session down.
func (s *SessionService) CloseAll() {
	s.mu.Lock()
	live := s.sessions
	s.sessions = map[string]*lifecycle.Session{}
	s.mu.Unlock()
	for _, sess := range live {
		sess.Close()
	}
}

// Redirect hands a wallet deep link to the tab driving scope.
func (s *SessionService) Redirect(_ context.Context, scope, deepLink string) error {
	if _, err := s.Get(scope); err != nil {
		return err
	}
	if s.broker.Subscribers(scope) == 0 {
		return ErrNoListener
	}
	s.broker.Publish(lifecycle.Event{
		Session: scope,
		Kind:    lifecycle.EventRedirect,
		Data:    map[string]string{"deepLink": deepLink},
	})
	return nil
}
