// ABOUTME: Per-session credential store: whole-object creds plus keyed secrets with eviction caps.
// ABOUTME: The in-memory snapshot is the source of truth between persists; writes are lock-serialized.

package authstate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/sendnotif/wagate/internal/store"
)

// Category names a keyed-secret namespace.
type Category string

const (
	CategoryPreKey          Category = "pre-key"
	CategorySession         Category = "session"
	CategorySenderKey       Category = "sender-key"
	CategoryAppStateSyncKey Category = "app-state-sync-key"
)

// Per-category caps bound storage growth. Oldest entries beyond the cap are
// dropped, except for categories marked non-evictable.
const (
	maxPreKeys    = 500
	maxSessions   = 500
	maxSenderKeys = 500
	maxDefault    = 20
)

func categoryCap(c Category) int {
	switch c {
	case CategoryPreKey:
		return maxPreKeys
	case CategorySession:
		return maxSessions
	case CategorySenderKey:
		return maxSenderKeys
	default:
		return maxDefault
	}
}

// nonEvictable categories hold keys the engine cannot re-derive; evicting
// them would strand encrypted app state permanently.
var nonEvictable = map[Category]bool{
	CategoryAppStateSyncKey: true,
}

// Mutations maps category to key-id to value. A nil value deletes the key.
type Mutations map[Category]map[string]json.RawMessage

// Persistence is the slice of the store the credential layer needs.
type Persistence interface {
	SaveAuthState(ctx context.Context, id string, state json.RawMessage) error
	GetAuthState(ctx context.Context, id string) (json.RawMessage, error)
	UpsertAuthKey(ctx context.Context, key *store.AuthKey) error
	DeleteAuthKey(ctx context.Context, sessionID, category, keyID string) error
	ListAuthKeys(ctx context.Context, sessionID string) ([]*store.AuthKey, error)
	DeleteAuthKeys(ctx context.Context, sessionID string) error
}

// credsEnvelope is the persisted shape of the credential blob.
type credsEnvelope struct {
	Creds *Creds `json:"creds"`
}

// Store manages the credential record of one session.
type Store struct {
	db        Persistence
	locks     *SessionLocks
	sessionID string
	logger    *slog.Logger

	mu    sync.Mutex
	creds *Creds
	keys  map[Category]map[string]json.RawMessage
	// order tracks insertion order per category for cap eviction.
	order map[Category][]string
}

// New creates a credential store for the session. Call Load before use.
func New(db Persistence, locks *SessionLocks, sessionID string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:        db,
		locks:     locks,
		sessionID: sessionID,
		logger:    logger.With("component", "authstate", "session_id", sessionID),
		keys:      make(map[Category]map[string]json.RawMessage),
		order:     make(map[Category][]string),
	}
}

// Load reads the credential record from the database. A missing or corrupt
// blob yields default-initialized creds rather than an error; the session
// simply pairs from scratch.
func (s *Store) Load(ctx context.Context) (*Creds, error) {
	blob, err := s.db.GetAuthState(ctx, s.sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading auth state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.creds = nil
	if blob != nil {
		var env credsEnvelope
		if err := json.Unmarshal(blob, &env); err != nil {
			s.logger.Warn("corrupt credential blob, reinitializing", "error", err)
		} else {
			s.creds = env.Creds
		}
	}
	if s.creds == nil {
		s.creds = NewCreds()
	}

	rows, err := s.db.ListAuthKeys(ctx, s.sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading auth keys: %w", err)
	}
	s.keys = make(map[Category]map[string]json.RawMessage)
	s.order = make(map[Category][]string)
	for _, row := range rows {
		cat := Category(row.Category)
		if s.keys[cat] == nil {
			s.keys[cat] = make(map[string]json.RawMessage)
		}
		s.keys[cat][row.KeyID] = row.Value
		s.order[cat] = append(s.order[cat], row.KeyID)
	}

	return s.creds, nil
}

// Creds returns the in-memory credential object. The engine mutates it in
// place and calls SaveCreds to persist.
func (s *Store) Creds() *Creds {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

// GetKeys returns the requested keys from the in-memory snapshot. Missing
// ids map to nil values, matching what engines expect.
func (s *Store) GetKeys(category Category, ids []string) map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]json.RawMessage, len(ids))
	for _, id := range ids {
		out[id] = s.keys[category][id]
	}
	return out
}

// SaveCreds persists the whole credential object under the session write
// lock. The write is a single whole-object replace; concurrent saves can
// never interleave partial state.
func (s *Store) SaveCreds(ctx context.Context) error {
	s.mu.Lock()
	blob, err := json.Marshal(credsEnvelope{Creds: s.creds})
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshaling creds: %w", err)
	}

	return s.locks.WithLock(ctx, s.sessionID, func() error {
		return s.db.SaveAuthState(ctx, s.sessionID, blob)
	})
}

// SetKeys merges the mutations into the in-memory snapshot, applies the
// per-category eviction cap, then persists the delta. A nil value deletes
// the key.
func (s *Store) SetKeys(ctx context.Context, mutations Mutations) error {
	s.mu.Lock()
	changed := make(map[Category]map[string]json.RawMessage)
	deleted := make(map[Category][]string)

	for category, items := range mutations {
		for id, value := range items {
			if id == "" {
				continue
			}
			if value == nil {
				if _, ok := s.keys[category][id]; ok {
					delete(s.keys[category], id)
					s.dropFromOrder(category, id)
					deleted[category] = append(deleted[category], id)
				}
				continue
			}

			if s.keys[category] == nil {
				s.keys[category] = make(map[string]json.RawMessage)
			}
			if _, exists := s.keys[category][id]; !exists {
				s.order[category] = append(s.order[category], id)
			}
			s.keys[category][id] = value
			if changed[category] == nil {
				changed[category] = make(map[string]json.RawMessage)
			}
			changed[category][id] = value
		}

		for _, id := range s.evictLocked(category) {
			deleted[category] = append(deleted[category], id)
			delete(changed[category], id)
		}
	}
	s.mu.Unlock()

	return s.locks.WithLock(ctx, s.sessionID, func() error {
		for category, items := range changed {
			for id, value := range items {
				if err := s.db.UpsertAuthKey(ctx, &store.AuthKey{
					SessionID: s.sessionID,
					Category:  string(category),
					KeyID:     id,
					Value:     value,
				}); err != nil {
					return err
				}
			}
		}
		for category, ids := range deleted {
			for _, id := range ids {
				if err := s.db.DeleteAuthKey(ctx, s.sessionID, string(category), id); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// evictLocked applies the category cap and returns the evicted ids.
// Pre-key ids are numeric; the newest (highest) ids are the ones still in
// flight, so eviction keeps those and drops the lowest. Other categories
// drop oldest by insertion order. Must be called with mu held.
func (s *Store) evictLocked(category Category) []string {
	if nonEvictable[category] {
		return nil
	}
	limit := categoryCap(category)
	over := len(s.keys[category]) - limit
	if over <= 0 {
		return nil
	}

	var victims []string
	if category == CategoryPreKey {
		numeric := make([]int, 0, len(s.keys[category]))
		for id := range s.keys[category] {
			if n, err := strconv.Atoi(id); err == nil {
				numeric = append(numeric, n)
			}
		}
		// Only trust numeric ordering when the namespace is actually numeric.
		if len(numeric) >= limit/2 {
			sort.Ints(numeric)
			for _, n := range numeric[:min(over, len(numeric))] {
				victims = append(victims, strconv.Itoa(n))
			}
		}
	}
	if victims == nil {
		order := s.order[category]
		if over > len(order) {
			over = len(order)
		}
		victims = append(victims, order[:over]...)
	}

	for _, id := range victims {
		delete(s.keys[category], id)
		s.dropFromOrder(category, id)
	}
	s.logger.Debug("evicted keys over category cap",
		"category", string(category), "evicted", len(victims))
	return victims
}

func (s *Store) dropFromOrder(category Category, id string) {
	order := s.order[category]
	for i, v := range order {
		if v == id {
			s.order[category] = append(order[:i], order[i+1:]...)
			return
		}
	}
}

// Purge deletes the entire credential record: blob and keyed secrets.
func (s *Store) Purge(ctx context.Context) error {
	s.mu.Lock()
	s.creds = nil
	s.keys = make(map[Category]map[string]json.RawMessage)
	s.order = make(map[Category][]string)
	s.mu.Unlock()

	return s.locks.WithLock(ctx, s.sessionID, func() error {
		if err := s.db.SaveAuthState(ctx, s.sessionID, nil); err != nil {
			return err
		}
		return s.db.DeleteAuthKeys(ctx, s.sessionID)
	})
}
