// Package session holds the client-side security state shared by every
// outbound request in one browser session: the authentication record, the
// bearer token, the selected entity and the correlation id.
//
// A Session is created when the user session starts and discarded when it
// ends; call End to drop the session-scoped keys. Nothing in this package
// is global, so several independent sessions can coexist in one process.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Storage keys.
const (
	KeyState          = "session_state"
	KeyToken          = "auth_token"
	KeySelectedEntity = "selected_entity_id"
)

// State is the authentication record persisted in session-scoped storage.
type State struct {
	IsAuthenticated bool      `json:"isAuthenticated"`
	LastValidated   time.Time `json:"lastValidated"`
}

// Session is safe for concurrent use.
type Session struct {
	scoped     Store
	persistent Store
	now        func() time.Time

	corrOnce sync.Once
	corrID   string

	// mu serializes read-modify-write cycles on the state record.
	mu sync.Mutex
}

// Option configures a Session.
type Option func(*options) error

type options struct {
	scoped        Store
	persistent    Store
	now           func() time.Time
	correlationID string
}

// WithStore sets the session-scoped store. Defaults to a MemoryStore.
func WithStore(s Store) Option {
	return func(o *options) error {
		if s == nil {
			return errors.New("store must not be nil")
		}
		o.scoped = s
		return nil
	}
}

// WithPersistentStore sets the store that outlives the session, e.g. a
// FileStore. Defaults to a MemoryStore.
func WithPersistentStore(s Store) Option {
	return func(o *options) error {
		if s == nil {
			return errors.New("persistent store must not be nil")
		}
		o.persistent = s
		return nil
	}
}

// WithClock overrides time.Now for LastValidated stamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) error {
		if now == nil {
			return errors.New("clock must not be nil")
		}
		o.now = now
		return nil
	}
}

// WithCorrelationID pins the correlation id instead of generating one. It
// must be a valid UUID.
func WithCorrelationID(id string) Option {
	return func(o *options) error {
		if _, err := uuid.Parse(id); err != nil {
			return fmt.Errorf("parsing correlation id: %w", err)
		}
		o.correlationID = id
		return nil
	}
}

// New starts a session.
func New(optFns ...Option) (*Session, error) {
	var opts options
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, fmt.Errorf("applying session option: %w", err)
		}
	}

	s := Session{
		scoped:     opts.scoped,
		persistent: opts.persistent,
		now:        opts.now,
		corrID:     opts.correlationID,
	}

	if s.scoped == nil {
		s.scoped = NewMemoryStore()
	}
	if s.persistent == nil {
		s.persistent = NewMemoryStore()
	}
	if s.now == nil {
		s.now = time.Now
	}

	return &s, nil
}

// CorrelationID returns the id shared by every request of this session. It is
// generated on first use and never changes afterwards.
func (s *Session) CorrelationID() string {
	s.corrOnce.Do(func() {
		if s.corrID == "" {
			s.corrID = uuid.NewString()
		}
	})

	return s.corrID
}

// State returns the stored authentication record. A missing or unreadable
// record reads as unauthenticated.
func (s *Session) State() State {
	raw, ok := s.scoped.Get(KeyState)
	if !ok {
		return State{}
	}

	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return State{}
	}

	return st
}

// MarkAuthenticated records a successful login or credential refresh.
func (s *Session) MarkAuthenticated() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.writeState(State{IsAuthenticated: true, LastValidated: s.now()})
}

// Clear marks the session unauthenticated and drops the bearer token. The
// last validation time is kept for diagnostics.
func (s *Session) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.State()
	st.IsAuthenticated = false

	if err := s.writeState(st); err != nil {
		return err
	}

	if err := s.scoped.Delete(KeyToken); err != nil {
		return fmt.Errorf("deleting token: %w", err)
	}

	return nil
}

func (s *Session) writeState(st State) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding session state: %w", err)
	}

	if err := s.scoped.Set(KeyState, string(b)); err != nil {
		return fmt.Errorf("storing session state: %w", err)
	}

	return nil
}

// Token returns the bearer token, if one is stored.
func (s *Session) Token() (string, bool) {
	tok, ok := s.scoped.Get(KeyToken)
	if !ok || tok == "" {
		return "", false
	}

	return tok, true
}

// SetToken stores the bearer token. An empty token deletes it.
func (s *Session) SetToken(token string) error {
	if token == "" {
		return s.scoped.Delete(KeyToken)
	}

	return s.scoped.Set(KeyToken, token)
}

// SelectedEntity returns the entity id the user is currently working in.
func (s *Session) SelectedEntity() (string, bool) {
	id, ok := s.persistent.Get(KeySelectedEntity)
	if !ok || id == "" {
		return "", false
	}

	return id, true
}

// SelectEntity persists the working entity id. An empty id deselects.
func (s *Session) SelectEntity(id string) error {
	if id == "" {
		return s.persistent.Delete(KeySelectedEntity)
	}

	return s.persistent.Set(KeySelectedEntity, id)
}

// End tears the session down, removing every session-scoped key. The
// persistent store is left alone.
func (s *Session) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return errors.Join(
		s.scoped.Delete(KeyState),
		s.scoped.Delete(KeyToken),
	)
}
