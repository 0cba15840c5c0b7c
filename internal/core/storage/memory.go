package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	v1 "github.com/tally-lab/project-tally/internal/api/v1"
	"github.com/tally-lab/project-tally/internal/core/bucket"
	"github.com/tally-lab/project-tally/internal/core/cohort"
	"github.com/shopspring/decimal"
)

// MemoryTransactionStore keeps the transaction log in process memory.
// Test and embedded use only.
type MemoryTransactionStore struct {
	mu   sync.RWMutex
	txns map[string]*v1.Transaction
}

func NewMemoryTransactionStore() *MemoryTransactionStore {
	return &MemoryTransactionStore{txns: make(map[string]*v1.Transaction)}
}

func (s *MemoryTransactionStore) Append(_ context.Context, txn *v1.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.txns[txn.ID]; exists {
		return ErrDuplicate
	}
	cp := *txn
	s.txns[txn.ID] = &cp
	return nil
}

func (s *MemoryTransactionStore) PendingForEntity(_ context.Context, resource, field, entityID string) ([]*v1.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(func(t *v1.Transaction) bool {
		return t.Resource == resource && t.Field == field && t.EntityID == entityID && !t.Applied
	}), nil
}

func (s *MemoryTransactionStore) EntitiesWithPending(_ context.Context, resource, field string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, t := range s.txns {
		if t.Resource == resource && t.Field == field && !t.Applied {
			seen[t.EntityID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryTransactionStore) AllForEntity(_ context.Context, resource, field, entityID string) ([]*v1.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(func(t *v1.Transaction) bool {
		return t.Resource == resource && t.Field == field && t.EntityID == entityID
	}), nil
}

func (s *MemoryTransactionStore) MarkApplied(_ context.Context, ids []string, _ int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	marked := 0
	for _, id := range ids {
		if t, ok := s.txns[id]; ok && !t.Applied {
			t.Applied = true
			marked++
		}
	}
	return marked, nil
}

func (s *MemoryTransactionStore) AppliedBefore(_ context.Context, resource, field string, cutoff time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := s.collect(func(t *v1.Transaction) bool {
		return t.Resource == resource && t.Field == field && t.Applied && t.Timestamp.Before(cutoff)
	})
	ids := make([]string, 0, len(matched))
	for _, t := range matched {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, t.ID)
	}
	return ids, nil
}

func (s *MemoryTransactionStore) DeleteBatch(_ context.Context, ids []string, _ int) (deleted, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if _, ok := s.txns[id]; ok {
			delete(s.txns, id)
			deleted++
		}
	}
	return deleted, 0
}

func (s *MemoryTransactionStore) TopEntities(_ context.Context, resource, field, period, cohortKey, sortBy string, limit int) ([]EntityTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	totals := make(map[string]*EntityTotals)
	for _, t := range s.txns {
		if t.Resource != resource || t.Field != field || !t.Applied || t.Synthetic {
			continue
		}
		if cohortKeyFor(t, period) != cohortKey {
			continue
		}
		et, ok := totals[t.EntityID]
		if !ok {
			et = &EntityTotals{EntityID: t.EntityID, Sum: decimal.Zero}
			totals[t.EntityID] = et
		}
		et.Count++
		et.Sum = et.Sum.Add(t.Value)
	}
	out := make([]EntityTotals, 0, len(totals))
	for _, et := range totals {
		out = append(out, *et)
	}
	sort.Slice(out, func(i, j int) bool {
		if sortBy == "sum" {
			if !out[i].Sum.Equal(out[j].Sum) {
				return out[i].Sum.GreaterThan(out[j].Sum)
			}
		} else if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].EntityID < out[j].EntityID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count reports how many transactions are stored. Test helper.
func (s *MemoryTransactionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.txns)
}

func (s *MemoryTransactionStore) collect(match func(*v1.Transaction) bool) []*v1.Transaction {
	var out []*v1.Transaction
	for _, t := range s.txns {
		if match(t) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func cohortKeyFor(t *v1.Transaction, period string) string {
	switch period {
	case cohort.PeriodHour:
		return t.CohortHour
	case cohort.PeriodDay:
		return t.CohortDate
	case cohort.PeriodWeek:
		return t.CohortWeek
	case cohort.PeriodMonth:
		return t.CohortMonth
	}
	return ""
}

// MemoryRecordStore is a map-backed record collaborator.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]map[string]decimal.Decimal
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]map[string]decimal.Decimal)}
}

// CreateRecord registers an (initially field-less) record.
func (s *MemoryRecordStore) CreateRecord(resource, entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := resource + "/" + entityID
	if _, ok := s.records[key]; !ok {
		s.records[key] = make(map[string]decimal.Decimal)
	}
}

func (s *MemoryRecordStore) GetField(_ context.Context, resource, entityID, fieldPath string) (decimal.Decimal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fields, ok := s.records[resource+"/"+entityID]
	if !ok {
		return decimal.Zero, false, ErrNotFound
	}
	value, ok := fields[fieldPath]
	if !ok {
		return decimal.Zero, false, nil
	}
	return value, true, nil
}

func (s *MemoryRecordStore) SetField(_ context.Context, resource, entityID, fieldPath string, value decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := resource + "/" + entityID
	fields, ok := s.records[key]
	if !ok {
		fields = make(map[string]decimal.Decimal)
		s.records[key] = fields
	}
	fields[fieldPath] = value
	return nil
}

// MemoryLockStore implements the create-if-absent primitive with a mutex.
type MemoryLockStore struct {
	mu    sync.Mutex
	locks map[string]Lock
}

func NewMemoryLockStore() *MemoryLockStore {
	return &MemoryLockStore{locks: make(map[string]Lock)}
}

func (s *MemoryLockStore) TryInsert(_ context.Context, lock Lock) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.locks[lock.Key]; held {
		return false, nil
	}
	s.locks[lock.Key] = lock
	return true, nil
}

func (s *MemoryLockStore) Get(_ context.Context, key string) (*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := lock
	return &cp, nil
}

func (s *MemoryLockStore) DeleteOwned(_ context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, ok := s.locks[key]; ok && lock.Owner == owner {
		delete(s.locks, key)
	}
	return nil
}

func (s *MemoryLockStore) DeleteExpired(_ context.Context, key string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok || !lock.ExpiresAt.Before(now) {
		return false, nil
	}
	delete(s.locks, key)
	return true, nil
}

// MemoryBucketStore keeps analytics buckets in a map keyed the same way the
// database lays them out.
type MemoryBucketStore struct {
	mu      sync.Mutex
	buckets map[bucket.Key]bucket.State
}

func NewMemoryBucketStore() *MemoryBucketStore {
	return &MemoryBucketStore{buckets: make(map[bucket.Key]bucket.State)}
}

func (s *MemoryBucketStore) UpsertHour(_ context.Context, deltas map[bucket.Key]bucket.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, delta := range deltas {
		current := s.buckets[key]
		current.Merge(delta)
		s.buckets[key] = current
	}
	return nil
}

func (s *MemoryBucketStore) RecomputeParent(_ context.Context, parent bucket.Key, childPeriod string, childCohorts []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var children []bucket.State
	for _, c := range childCohorts {
		key := bucket.Key{Resource: parent.Resource, Field: parent.Field, Period: childPeriod, Cohort: c}
		if st, ok := s.buckets[key]; ok {
			children = append(children, st)
		}
	}
	if len(children) == 0 {
		delete(s.buckets, parent)
		return nil
	}
	s.buckets[parent] = bucket.Fold(children)
	return nil
}

func (s *MemoryBucketStore) QueryRange(_ context.Context, resource, field, period, fromCohort, toCohort string) (map[string]bucket.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bucket.State)
	for key, st := range s.buckets {
		if key.Resource != resource || key.Field != field || key.Period != period {
			continue
		}
		if key.Cohort >= fromCohort && key.Cohort <= toCohort {
			out[key.Cohort] = st
		}
	}
	return out, nil
}

func (s *MemoryBucketStore) DeleteBefore(_ context.Context, resource, field, period, cutoffCohort string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for key := range s.buckets {
		if key.Resource == resource && key.Field == field && key.Period == period && key.Cohort < cutoffCohort {
			delete(s.buckets, key)
			deleted++
		}
	}
	return deleted, nil
}
