package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/store"
)

// StrikeStore keeps strike records in a map guarded by one mutex. It is
// intended for tests and dry runs.
type StrikeStore struct {
	mu   sync.Mutex
	data map[string]store.StrikeRecord
}

func NewStrikeStore() *StrikeStore {
	return &StrikeStore{
		data: make(map[string]store.StrikeRecord),
	}
}

func (s *StrikeStore) Get(_ context.Context, cardUID string) (store.StrikeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.data[strings.TrimSpace(cardUID)]
	if !ok {
		return store.StrikeRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (s *StrikeStore) Upsert(_ context.Context, rec store.StrikeRecord) error {
	rec.CardUID = strings.TrimSpace(rec.CardUID)
	if rec.CardUID == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[rec.CardUID] = normalize(rec)
	return nil
}

func (s *StrikeStore) Delete(_ context.Context, cardUID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cardUID = strings.TrimSpace(cardUID)
	if _, ok := s.data[cardUID]; !ok {
		return false, nil
	}
	delete(s.data, cardUID)
	return true, nil
}

func (s *StrikeStore) Update(_ context.Context, cardUID string, fn store.UpdateFunc) error {
	cardUID = strings.TrimSpace(cardUID)

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, found := s.data[cardUID]
	next, write, err := fn(cur, found)
	if err != nil || !write {
		return err
	}
	next.CardUID = cardUID
	s.data[cardUID] = normalize(next)
	return nil
}

func (s *StrikeStore) ListStale(_ context.Context, threshold time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for uid, rec := range s.data {
		if rec.LastStrikeAt.Before(threshold) {
			out = append(out, uid)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *StrikeStore) DeleteStale(_ context.Context, cardUID string, threshold time.Time) (bool, error) {
	cardUID = strings.TrimSpace(cardUID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.data[cardUID]
	if !ok || !rec.LastStrikeAt.Before(threshold) {
		return false, nil
	}
	delete(s.data, cardUID)
	return true, nil
}

func (s *StrikeStore) List(_ context.Context) ([]store.StrikeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.StrikeRecord, 0, len(s.data))
	for _, rec := range s.data {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CardUID < out[j].CardUID })
	return out, nil
}

// normalize truncates timestamps to milliseconds so the memory store matches
// what the SQLite store round-trips.
func normalize(rec store.StrikeRecord) store.StrikeRecord {
	rec.FirstStrikeAt = rec.FirstStrikeAt.UTC().Truncate(time.Millisecond)
	rec.LastStrikeAt = rec.LastStrikeAt.UTC().Truncate(time.Millisecond)
	return rec
}
