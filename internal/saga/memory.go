package saga

import (
	"context"
	"sort"
	"sync"

	"taxfiler/internal/common/errors"
)

// MemoryRepository is an in-process Repository with the same uniqueness and
// versioning rules as the database backends.
type MemoryRepository struct {
	mu    sync.RWMutex
	sagas map[string]*Saga
	order []string
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sagas: make(map[string]*Saga)}
}

func (r *MemoryRepository) CreateSaga(_ context.Context, s *Saga) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sagas[s.ID]; exists {
		return errors.Newf(errors.KindDuplicate, "saga %s already exists", s.ID)
	}
	if s.State != StateCompleted {
		if active := r.findActiveLocked(s.TaxpayerID, s.TaxYear); active != nil {
			return errors.Newf(errors.KindDuplicate, "an active saga already exists for %s", s.TaxYear)
		}
	}
	if s.Version == 0 {
		s.Version = 1
	}
	r.sagas[s.ID] = s.Clone()
	r.order = append(r.order, s.ID)
	return nil
}

func (r *MemoryRepository) UpdateSaga(_ context.Context, s *Saga, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.sagas[s.ID]
	if !ok {
		return errors.NotFoundError("saga " + s.ID)
	}
	if stored.Version != expectedVersion {
		return errors.Newf(errors.KindVersionConflict, "saga %s is at version %d, not %d", s.ID, stored.Version, expectedVersion)
	}
	s.Version = expectedVersion + 1
	r.sagas[s.ID] = s.Clone()
	return nil
}

func (r *MemoryRepository) GetSaga(_ context.Context, id string) (*Saga, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sagas[id]
	if !ok {
		return nil, errors.NotFoundError("saga " + id)
	}
	return s.Clone(), nil
}

func (r *MemoryRepository) FindActiveSaga(_ context.Context, taxpayerID, taxYear string) (*Saga, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findActiveLocked(taxpayerID, taxYear).Clone(), nil
}

func (r *MemoryRepository) findActiveLocked(taxpayerID, taxYear string) *Saga {
	for _, id := range r.order {
		s := r.sagas[id]
		if s.TaxpayerID == taxpayerID && s.TaxYear == taxYear && s.State != StateCompleted {
			return s
		}
	}
	return nil
}

func (r *MemoryRepository) FindLatestSaga(_ context.Context, taxpayerID, taxYear string) (*Saga, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.order) - 1; i >= 0; i-- {
		s := r.sagas[r.order[i]]
		if s.TaxpayerID == taxpayerID && s.TaxYear == taxYear {
			return s.Clone(), nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) ListSagas(_ context.Context, taxpayerID string) ([]*Saga, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Saga
	for _, id := range r.order {
		if s := r.sagas[id]; s.TaxpayerID == taxpayerID {
			out = append(out, s.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
