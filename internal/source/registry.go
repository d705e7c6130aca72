package source

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hitoshi/dashboard/internal/model"
)

// Registry はソース種別の識別子からCapabilityを解決する。
// 起動時に登録し、以降は並行に参照される。
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry はcapsを登録済みのRegistryを生成する。
func NewRegistry(caps ...Capability) (*Registry, error) {
	r := &Registry{caps: make(map[string]Capability)}
	for _, c := range caps {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register はCapabilityを登録する。識別子が空または登録済みの場合はエラーを返す。
func (r *Registry) Register(c Capability) error {
	if c == nil || c.Identifier() == "" {
		return fmt.Errorf("capability identifier is required: %w", model.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.caps[c.Identifier()]; ok {
		return fmt.Errorf("capability %q: %w", c.Identifier(), model.ErrDuplicate)
	}
	r.caps[c.Identifier()] = c
	return nil
}

// Lookup は識別子に対応するCapabilityを返す。
// 未登録の場合はmodel.ErrCapabilityNotFoundを返す。
func (r *Registry) Lookup(identifier string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.caps[identifier]
	if !ok {
		return nil, fmt.Errorf("source type %q: %w", identifier, model.ErrCapabilityNotFound)
	}
	return c, nil
}

// Identifiers は登録済みの識別子を昇順で返す。
func (r *Registry) Identifiers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.caps))
	for id := range r.caps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
