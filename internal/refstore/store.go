package refstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"go.mau.fi/teams-agents/internal/teams/model"
)

const DefaultCacheTTL = 30 * time.Second

var (
	ErrInvalidReference = errors.New("conversation reference requires conversationId and serviceUrl")
	errMissingBackend   = errors.New("refstore missing backend")
)

// Backend is the durable side of a Store.
type Backend interface {
	LoadAll(ctx context.Context) ([]model.ConversationReference, error)
	Put(ctx context.Context, ref model.ConversationReference) error
	Delete(ctx context.Context, conversationID string) error
	Clear(ctx context.Context) error
}

// PointLookup is implemented by backends that can fetch a single reference
// without loading all of them. A Store uses it when its snapshot misses, so a
// reference written by another process is found before the snapshot expires.
type PointLookup interface {
	Get(ctx context.Context, conversationID string) (*model.ConversationReference, error)
}

// Store keeps conversation references keyed by conversation id. Reads are
// served from a snapshot that is reloaded from the backend once it is older
// than CacheTTL, so writes by other processes show up within that window.
type Store struct {
	backend  Backend
	log      zerolog.Logger
	cacheTTL time.Duration
	now      func() time.Time

	mu       sync.Mutex
	snapshot map[string]model.ConversationReference
	loadedAt time.Time
}

type Option func(*Store)

func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) {
		s.log = log
	}
}

func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:  backend,
		log:      zerolog.Nop(),
		cacheTTL: DefaultCacheTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save replaces any reference stored under the same conversation id.
func (s *Store) Save(ctx context.Context, ref model.ConversationReference) error {
	if s == nil || s.backend == nil {
		return errMissingBackend
	}
	ref.ConversationID = strings.TrimSpace(ref.ConversationID)
	ref.ServiceURL = strings.TrimSpace(ref.ServiceURL)
	ref.UserAADID = strings.TrimSpace(ref.UserAADID)
	if !ref.Deliverable() {
		return ErrInvalidReference
	}
	if ref.UpdatedAt == 0 {
		ref.UpdatedAt = s.now().UnixMilli()
	}
	ref = ref.Clone()
	if err := s.backend.Put(ctx, ref); err != nil {
		return err
	}

	s.mu.Lock()
	if s.snapshot != nil {
		s.snapshot[ref.ConversationID] = ref
	}
	s.mu.Unlock()
	return nil
}

// Ingest records the reference carried by an inbound activity.
func (s *Store) Ingest(ctx context.Context, activity *model.Activity) (*model.ConversationReference, error) {
	if activity == nil {
		return nil, errors.New("missing activity")
	}
	ref := model.ReferenceFromActivity(activity, s.now())
	if err := s.Save(ctx, ref); err != nil {
		return nil, err
	}
	return &ref, nil
}

func (s *Store) GetByID(ctx context.Context, conversationID string) (*model.ConversationReference, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, nil
	}
	var out *model.ConversationReference
	err := s.withSnapshot(ctx, func(snap map[string]model.ConversationReference) {
		if ref, ok := snap[conversationID]; ok && ref.Deliverable() {
			clone := ref.Clone()
			out = &clone
		}
	})
	if out != nil || err != nil {
		return out, err
	}
	return s.lookupBackend(ctx, conversationID)
}

func (s *Store) lookupBackend(ctx context.Context, conversationID string) (*model.ConversationReference, error) {
	lookup, ok := s.backend.(PointLookup)
	if !ok {
		return nil, nil
	}
	ref, err := lookup.Get(ctx, conversationID)
	if err != nil || !ref.Deliverable() {
		return nil, err
	}
	s.log.Debug().Str("conversation_id", conversationID).Msg("Found reference outside the read snapshot")
	s.mu.Lock()
	if s.snapshot != nil {
		s.snapshot[conversationID] = ref.Clone()
	}
	s.mu.Unlock()
	return ref, nil
}

// GetByUser returns the best reference for an AAD object id: a direct
// conversation beats a group one, then the most recently updated wins.
func (s *Store) GetByUser(ctx context.Context, userAADID string) (*model.ConversationReference, error) {
	userAADID = strings.TrimSpace(userAADID)
	if userAADID == "" {
		return nil, nil
	}
	var best *model.ConversationReference
	err := s.withSnapshot(ctx, func(snap map[string]model.ConversationReference) {
		for _, ref := range snap {
			if !ref.Deliverable() || !strings.EqualFold(ref.UserAADID, userAADID) {
				continue
			}
			if best == nil || betterForUser(ref, *best) {
				candidate := ref.Clone()
				best = &candidate
			}
		}
	})
	return best, err
}

func betterForUser(candidate, current model.ConversationReference) bool {
	if candidate.IsGroup != current.IsGroup {
		return !candidate.IsGroup
	}
	if candidate.UpdatedAt != current.UpdatedAt {
		return candidate.UpdatedAt > current.UpdatedAt
	}
	return candidate.ConversationID < current.ConversationID
}

// List returns every stored reference, most recently updated first.
func (s *Store) List(ctx context.Context) ([]model.ConversationReference, error) {
	var out []model.ConversationReference
	err := s.withSnapshot(ctx, func(snap map[string]model.ConversationReference) {
		out = make([]model.ConversationReference, 0, len(snap))
		for _, ref := range snap {
			out = append(out, ref.Clone())
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].ConversationID < out[j].ConversationID
	})
	return out, nil
}

func (s *Store) Delete(ctx context.Context, conversationID string) error {
	if s == nil || s.backend == nil {
		return errMissingBackend
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil
	}
	if err := s.backend.Delete(ctx, conversationID); err != nil {
		return err
	}
	s.mu.Lock()
	if s.snapshot != nil {
		delete(s.snapshot, conversationID)
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	if s == nil || s.backend == nil {
		return errMissingBackend
	}
	if err := s.backend.Clear(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.snapshot = map[string]model.ConversationReference{}
	s.loadedAt = s.now()
	s.mu.Unlock()
	return nil
}

// Invalidate drops the read snapshot so the next read goes to the backend.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.snapshot = nil
	s.mu.Unlock()
}

func (s *Store) withSnapshot(ctx context.Context, fn func(map[string]model.ConversationReference)) error {
	if s == nil || s.backend == nil {
		return errMissingBackend
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil || s.now().Sub(s.loadedAt) >= s.cacheTTL {
		if err := s.reloadLocked(ctx); err != nil {
			return err
		}
	}
	fn(s.snapshot)
	return nil
}

func (s *Store) reloadLocked(ctx context.Context) error {
	refs, err := s.backend.LoadAll(ctx)
	if err != nil {
		return err
	}
	snap := make(map[string]model.ConversationReference, len(refs))
	for _, ref := range refs {
		if strings.TrimSpace(ref.ConversationID) == "" {
			continue
		}
		snap[ref.ConversationID] = ref
	}
	s.snapshot = snap
	s.loadedAt = s.now()
	s.log.Debug().Int("count", len(snap)).Msg("Loaded conversation references")
	return nil
}
