package board

import (
	"fmt"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
)

// Registry keeps independent sessions keyed by board and device address.
// It is owned by the caller; nothing in this package is global.
type Registry struct {
	opts     Options
	logger   *logrus.Logger
	sessions *hashmap.Map[string, *Session]
}

// NewRegistry creates an empty registry. opts is applied to every session it opens.
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Registry{
		opts:     opts,
		logger:   opts.Logger,
		sessions: hashmap.New[string, *Session](),
	}
}

// Key returns the registry key of a board/device pair.
func Key(boardID int, params InputParams) string {
	return fmt.Sprintf("%d:%s", boardID, params.Target())
}

// Open creates and prepares a session. A second session for the same key is
// refused with PortAlreadyOpen.
func (r *Registry) Open(boardID int, params InputParams) (*Session, error) {
	const op = "registry_open"
	key := Key(boardID, params)

	s := NewSession(r.opts)
	if !r.sessions.Insert(key, s) {
		return nil, newError(PortAlreadyOpen, op, "session %s already open", key)
	}
	if err := s.PrepareSession(boardID, params); err != nil {
		r.sessions.Del(key)
		_ = s.ReleaseSession()
		return nil, err
	}

	r.logger.WithFields(logrus.Fields{
		"key":     key,
		"session": s.ID(),
	}).Debug("Session registered")
	return s, nil
}

// Get returns the session for a board/device pair.
func (r *Registry) Get(boardID int, params InputParams) (*Session, bool) {
	return r.sessions.Get(Key(boardID, params))
}

// Remove releases and forgets the session for a board/device pair.
func (r *Registry) Remove(boardID int, params InputParams) error {
	key := Key(boardID, params)
	s, ok := r.sessions.Get(key)
	if !ok {
		return newError(BoardNotReady, "registry_remove", "no session %s", key)
	}
	r.sessions.Del(key)
	return s.ReleaseSession()
}

func (r *Registry) Len() int {
	return r.sessions.Len()
}

// Keys returns the keys of all registered sessions.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, r.sessions.Len())
	r.sessions.Range(func(key string, _ *Session) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// ReleaseAll releases every session in parallel and empties the registry.
func (r *Registry) ReleaseAll() {
	var sessions []*Session
	for _, key := range r.Keys() {
		if s, ok := r.sessions.Get(key); ok && r.sessions.Del(key) {
			sessions = append(sessions, s)
		}
	}

	var wg conc.WaitGroup
	for _, s := range sessions {
		wg.Go(func() {
			_ = s.ReleaseSession()
		})
	}
	wg.Wait()
}
