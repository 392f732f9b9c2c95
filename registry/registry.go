package registry

import (
	"github.com/nvaistore/aptvault/internal/apterrs"
)

// Registry is the complete typed configuration the core is constructed
// from: every mirror, every medium, and every subscription-key blob the
// caller knows about.
type Registry struct {
	Mirrors map[string]*MirrorConfig
	Media   map[string]*MediumConfig
	Keys    map[string]*Key
}

// New returns an empty Registry ready for population by the caller (CLI,
// wizard, or test fixture).
func New() *Registry {
	return &Registry{
		Mirrors: make(map[string]*MirrorConfig),
		Media:   make(map[string]*MediumConfig),
		Keys:    make(map[string]*Key),
	}
}

// AddMirror validates and registers a mirror config.
func (r *Registry) AddMirror(m *MirrorConfig) error {
	if err := m.Validate(); err != nil {
		return err
	}
	r.Mirrors[m.ID] = m
	return nil
}

// AddMedium validates and registers a medium config.
func (r *Registry) AddMedium(m *MediumConfig) error {
	if err := m.Validate(); err != nil {
		return err
	}
	r.Media[m.ID] = m
	return nil
}

// AddKey registers an opaque subscription-key blob.
func (r *Registry) AddKey(k *Key) {
	r.Keys[k.ID] = k
}

func (r *Registry) Mirror(id string) (*MirrorConfig, error) {
	m, ok := r.Mirrors[id]
	if !ok {
		return nil, &apterrs.UnknownMirrorError{ID: id}
	}
	return m, nil
}

func (r *Registry) Medium(id string) (*MediumConfig, error) {
	m, ok := r.Media[id]
	if !ok {
		return nil, &apterrs.UnknownMediumError{ID: id}
	}
	return m, nil
}

// KeysFor resolves a mirror's KeyIDs into their blob payloads, preserving
// order.
func (r *Registry) KeysFor(m *MirrorConfig) ([]*Key, error) {
	keys := make([]*Key, 0, len(m.KeyIDs))
	for _, id := range m.KeyIDs {
		k, ok := r.Keys[id]
		if !ok {
			return nil, &apterrs.FilterInvalidError{Filter: id, Reason: "referenced key id not found in registry"}
		}
		keys = append(keys, k)
	}
	return keys, nil
}
