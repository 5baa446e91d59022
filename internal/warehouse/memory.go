package warehouse

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mf-intel/internal/model"
)

// MemStore keeps versions in process memory. Used for dry runs and tests.
type MemStore struct {
	mu       sync.RWMutex
	versions []model.DatasetVersion
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// LatestVersion implements Store.
func (s *MemStore) LatestVersion(_ context.Context) (*model.DatasetVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.versions) == 0 {
		return nil, nil
	}
	v := s.versions[len(s.versions)-1].Summary()
	return &v, nil
}

// InsertVersion implements Store.
func (s *MemStore) InsertVersion(_ context.Context, v *model.DatasetVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.versions); n > 0 && s.versions[n-1].Number >= v.Number {
		return eris.Wrapf(ErrWriteConflict, "version %d already exists", v.Number)
	}
	s.versions = append(s.versions, cloneVersion(*v))
	return nil
}

// ReadVersion implements Store.
func (s *MemStore) ReadVersion(_ context.Context, number int64) (*model.DatasetVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.versions {
		if v.Number == number {
			out := cloneVersion(v)
			return &out, nil
		}
	}
	return nil, eris.Wrapf(ErrVersionNotFound, "version %d", number)
}

// ListVersions implements Store.
func (s *MemStore) ListVersions(_ context.Context) ([]model.DatasetVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.DatasetVersion, 0, len(s.versions))
	for i := len(s.versions) - 1; i >= 0; i-- {
		out = append(out, s.versions[i].Summary())
	}
	return out, nil
}
