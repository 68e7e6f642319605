package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/samber/lo"

	"github.com/dokzlo13/yeebridge/internal/device"
)

// DescriptorBucket is the kv_store bucket holding known lights.
const DescriptorBucket = "descriptors"

// record is the persisted form. ConfiguredAddress remembers what the config said when
// the record was written, so an edited config wins over a stale learned address.
type record struct {
	Descriptor        device.Descriptor `json:"descriptor"`
	ConfiguredAddress string            `json:"configured_address"`
}

// Descriptors keeps the last known descriptor of every light.
type Descriptors struct {
	mu     sync.Mutex
	bucket *Bucket
}

// NewDescriptors creates a descriptor store.
func NewDescriptors(db *sql.DB) *Descriptors {
	return &Descriptors{bucket: NewBucket(db, DescriptorBucket)}
}

// Reconcile merges a configured descriptor with the stored one and persists the result.
// A learned address survives restarts as long as the configured address is unchanged.
func (s *Descriptors) Reconcile(configured device.Descriptor) (device.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec record
	err := s.bucket.Load(configured.ID, &rec)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return configured, fmt.Errorf("failed to load descriptor %s: %w", configured.ID, err)
	}

	merged := configured
	if err == nil && rec.ConfiguredAddress == configured.Address && rec.Descriptor.Address != "" {
		merged = configured.WithAddress(rec.Descriptor.Address)
	}

	if err := s.bucket.Store(configured.ID, record{Descriptor: merged, ConfiguredAddress: configured.Address}); err != nil {
		return merged, fmt.Errorf("failed to persist descriptor %s: %w", configured.ID, err)
	}
	return merged, nil
}

// SaveAddress persists a newly learned address for a known light.
func (s *Descriptors) SaveAddress(id, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec record
	if err := s.bucket.Load(id, &rec); err != nil {
		return fmt.Errorf("failed to load descriptor %s: %w", id, err)
	}
	rec.Descriptor = rec.Descriptor.WithAddress(address)
	return s.bucket.Store(id, rec)
}

// Get returns the stored descriptor for id.
func (s *Descriptors) Get(id string) (device.Descriptor, error) {
	var rec record
	if err := s.bucket.Load(id, &rec); err != nil {
		return device.Descriptor{}, err
	}
	return rec.Descriptor, nil
}

// Prune removes descriptors for lights no longer configured.
func (s *Descriptors) Prune(keep []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.bucket.Keys()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, key := range lo.Without(keys, keep...) {
		ok, err := s.bucket.Delete(key)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// Forget drops every stored descriptor.
func (s *Descriptors) Forget() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bucket.Clear()
}
