package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kirillkom/doc-intake/internal/core/domain"
)

// Store is the in-process persistence used by tests and single-node runs. It
// implements the batch, item, record and correction ports with the same
// conflict semantics as the postgres repositories. Values are copied on the
// way in and out.
type Store struct {
	mu          sync.RWMutex
	batches     map[string]*domain.Batch
	items       map[string]*domain.Item
	records     map[string]*domain.DomainRecord
	recordKeys  map[string]string
	corrections map[string][]domain.CorrectionRecord
}

func NewStore() *Store {
	return &Store{
		batches:     map[string]*domain.Batch{},
		items:       map[string]*domain.Item{},
		records:     map[string]*domain.DomainRecord{},
		recordKeys:  map[string]string{},
		corrections: map[string][]domain.CorrectionRecord{},
	}
}

func (s *Store) CreateBatch(_ context.Context, batch *domain.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batch.ID]; ok {
		return domain.WrapError(domain.ErrConflict, "create batch", fmt.Errorf("batch %s exists", batch.ID))
	}
	cp := *batch
	s.batches[batch.ID] = &cp
	return nil
}

func (s *Store) GetBatch(_ context.Context, id string) (*domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "get batch", fmt.Errorf("batch %s", id))
	}
	cp := *b
	return &cp, nil
}

func (s *Store) IncrementCounters(_ context.Context, batchID string, delta domain.BatchCounters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "increment counters", fmt.Errorf("batch %s", batchID))
	}
	b.Counters.Total += delta.Total
	b.Counters.Processed += delta.Processed
	b.Counters.Failed += delta.Failed
	return nil
}

func (s *Store) AppendItems(_ context.Context, batchID string, items []*domain.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "append items", fmt.Errorf("batch %s", batchID))
	}
	for _, item := range items {
		if _, ok := s.items[item.ID]; ok {
			return domain.WrapError(domain.ErrConflict, "append items", fmt.Errorf("item %s exists", item.ID))
		}
	}
	base := b.Counters.Total
	for i, item := range items {
		item.Index = base + i
		s.items[item.ID] = item.Clone()
	}
	b.Counters.Total += len(items)
	return nil
}

func (s *Store) CreateItems(_ context.Context, batchID string, items []*domain.Item) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return 0, domain.WrapError(domain.ErrNotFound, "create items", fmt.Errorf("batch %s", batchID))
	}
	inserted := 0
	for _, item := range items {
		if _, ok := s.items[item.ID]; ok {
			continue
		}
		s.items[item.ID] = item.Clone()
		inserted++
	}
	b.Counters.Total += inserted
	return inserted, nil
}

func (s *Store) GetItem(_ context.Context, id string) (*domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "get item", fmt.Errorf("item %s", id))
	}
	return item.Clone(), nil
}

func (s *Store) ListItems(_ context.Context, batchID string) ([]*domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Item, 0)
	for _, item := range s.items {
		if item.BatchID == batchID {
			out = append(out, item.Clone())
		}
	}
	sortItems(out)
	return out, nil
}

func (s *Store) UpdateItem(_ context.Context, item *domain.Item, expected domain.ItemStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[item.ID]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "update item", fmt.Errorf("item %s", item.ID))
	}
	if cur.Status != expected || cur.Version != item.Version {
		return domain.WrapError(domain.ErrConflict, "update item",
			fmt.Errorf("item %s is %s@%d, expected %s@%d", item.ID, cur.Status, cur.Version, expected, item.Version))
	}
	item.Version++
	s.items[item.ID] = item.Clone()
	return nil
}

func (s *Store) ListStale(_ context.Context, updatedBefore time.Time, limit int) ([]*domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Item, 0)
	for _, item := range s.items {
		if item.Status.Terminal() || !item.UpdatedAt.Before(updatedBefore) {
			continue
		}
		if item.Status == domain.ItemReady && item.CanonicalKey != "" {
			continue
		}
		out = append(out, item.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func recordKey(tenantID string, kind domain.RecordKind, naturalKey string) string {
	return tenantID + "\x00" + string(kind) + "\x00" + naturalKey
}

func (s *Store) CreateIfAbsent(_ context.Context, rec *domain.DomainRecord) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey(rec.TenantID, rec.Kind, rec.NaturalKey)
	if id, ok := s.recordKeys[key]; ok {
		return id, false, nil
	}
	cp := *rec
	cp.Lines = append([]domain.RecordLine(nil), rec.Lines...)
	s.records[rec.ID] = &cp
	s.recordKeys[key] = rec.ID
	return rec.ID, true, nil
}

func (s *Store) FindByNaturalKey(_ context.Context, tenantID string, kind domain.RecordKind, naturalKey string) (*domain.DomainRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.recordKeys[recordKey(tenantID, kind, naturalKey)]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "find record", fmt.Errorf("%s %q", kind, naturalKey))
	}
	cp := *s.records[id]
	return &cp, nil
}

// Records returns the promoted records of a tenant ordered by creation.
func (s *Store) Records(tenantID string) []domain.DomainRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DomainRecord, 0)
	for _, rec := range s.records {
		if rec.TenantID == tenantID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) Append(_ context.Context, rec domain.CorrectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrections[rec.TenantID] = append(s.corrections[rec.TenantID], rec)
	return nil
}

func (s *Store) Stats(_ context.Context, tenantID string) (domain.CorrectionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := domain.NewCorrectionStats()
	for _, rec := range s.corrections[tenantID] {
		stats.Add(rec)
	}
	return stats, nil
}

func sortItems(items []*domain.Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Index != items[j].Index {
			return items[i].Index < items[j].Index
		}
		return items[i].Row < items[j].Row
	})
}
