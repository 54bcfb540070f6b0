package policy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"campusnotify/internal/storage"
	logx "campusnotify/pkg/logx"
)

const prefsKeyPrefix = "prefs/"

// Store holds the category catalog and per-user preferences.
//
// The catalog is swapped atomically on reload. Preferences are cached after the first
// read and written through to the KV store on update.
type Store struct {
	catalog atomic.Pointer[Catalog]

	kv  storage.Store
	log logx.Logger

	mu    sync.Mutex
	cache map[string]UserPreferences
}

func NewStore(kv storage.Store, catalog Catalog, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	if catalog.Len() == 0 {
		catalog = DefaultCatalog()
	}
	s := &Store{kv: kv, log: log, cache: map[string]UserPreferences{}}
	s.catalog.Store(&catalog)
	return s
}

func (s *Store) Catalog() Catalog { return *s.catalog.Load() }

// ReplaceCatalog swaps the whole catalog.
func (s *Store) ReplaceCatalog(c Catalog) {
	s.catalog.Store(&c)
	s.log.Info("category catalog replaced", logx.Int("categories", c.Len()))
}

func (s *Store) CategoryPolicy(id string) (CategoryPolicy, error) {
	return s.Catalog().Get(id)
}

// Preferences returns the user's preferences, or the defaults if none were stored.
// It never fails; storage errors are logged and the defaults are returned uncached.
func (s *Store) Preferences(ctx context.Context, userID string) UserPreferences {
	s.mu.Lock()
	if p, ok := s.cache[userID]; ok {
		s.mu.Unlock()
		return p.clone()
	}
	s.mu.Unlock()

	var p UserPreferences
	ok, err := storage.GetJSON(ctx, s.kv, prefsKeyPrefix+userID, &p)
	if err != nil {
		s.log.Warn("preferences load failed; using defaults", logx.String("user", userID), logx.Err(err))
		return DefaultPreferences(s.Catalog())
	}
	if !ok {
		p = DefaultPreferences(s.Catalog())
	}
	if p.PerCategory == nil {
		p.PerCategory = map[string]CategoryPreference{}
	}

	s.mu.Lock()
	if cur, ok := s.cache[userID]; ok {
		// A concurrent update won the race.
		p = cur
	} else {
		s.cache[userID] = p
	}
	s.mu.Unlock()
	return p.clone()
}

// UpdatePreferences merges patch into the stored preferences, persists and returns them.
func (s *Store) UpdatePreferences(ctx context.Context, userID string, patch Patch) (UserPreferences, error) {
	if err := patch.Validate(); err != nil {
		return UserPreferences{}, err
	}
	cur := s.Preferences(ctx, userID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cache[userID]; ok {
		cur = c
	}
	merged := cur.Merge(patch)

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := storage.SetJSON(wctx, s.kv, prefsKeyPrefix+userID, merged); err != nil {
		return UserPreferences{}, fmt.Errorf("persist preferences: %w", err)
	}
	s.cache[userID] = merged
	s.log.Debug("preferences updated", logx.String("user", userID))
	return merged.clone(), nil
}
