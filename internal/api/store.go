package api

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/vblora/internal/vblora"
)

// layerRecord pairs a hosted layer with the lock that serialises access to
// it. Linear is not safe for concurrent use, so every handler that touches
// the layer holds mu for the duration of the call.
type layerRecord struct {
	mu sync.Mutex

	ID          string
	CreatedAt   time.Time
	FanInFanOut bool
	Layer       *vblora.Linear
	Training    bool
}

// LayerStore owns the hosted layers. The store lock guards the map only;
// per-layer work runs under the record lock.
type LayerStore struct {
	mu     sync.Mutex
	layers map[string]*layerRecord
	order  []string
}

func NewLayerStore() *LayerStore {
	return &LayerStore{layers: make(map[string]*layerRecord)}
}

func (s *LayerStore) Create(layer *vblora.Linear, fanInFanOut bool, now time.Time) *layerRecord {
	rec := &layerRecord{
		ID:          newLayerID(),
		CreatedAt:   now,
		FanInFanOut: fanInFanOut,
		Layer:       layer,
	}
	s.mu.Lock()
	s.layers[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	s.mu.Unlock()
	return rec
}

func (s *LayerStore) Get(id string) (*layerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.layers[id]
	return rec, ok
}

func (s *LayerStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.layers[id]; !ok {
		return false
	}
	delete(s.layers, id)
	for i, n := range s.order {
		if n == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// List returns the records in creation order.
func (s *LayerStore) List() []*layerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*layerRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.layers[id])
	}
	return out
}

func newLayerID() string {
	return "layer_" + uuid.NewString()
}
