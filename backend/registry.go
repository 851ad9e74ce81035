// Copyright 2025 MPCGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"fmt"
	"sort"
	"sync"
)

// RegistryError reports a registry operation failure with a stable code.
type RegistryError struct {
	Code    string
	Message string
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("registry error [%s]: %s", e.Code, e.Message)
}

// Registry error codes.
const (
	ErrCodeBackendNotFound   = "backend_not_found"
	ErrCodeInvalidDescriptor = "invalid_descriptor"
)

// Registry is the process-wide set of registered backends. Reads vastly
// outnumber writes; updates swap whole entries under a writer lock so
// readers always see internally consistent descriptors.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Descriptor)}
}

// NewDefaultRegistry returns a registry loaded with the default catalog.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, d := range DefaultCatalog() {
		if err := r.Register(d); err != nil {
			// The default catalog is package-controlled; a validation
			// failure here is a programming error.
			panic(err)
		}
	}
	return r
}

// Register validates and stores a descriptor. Registration is idempotent
// on id: re-registering replaces the previous entry.
func (r *Registry) Register(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return &RegistryError{Code: ErrCodeInvalidDescriptor, Message: err.Error()}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[d.ID] = d.clone()
	return nil
}

// Get returns the descriptor registered under id.
func (r *Registry) Get(id string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.backends[id]
	if !ok {
		return Descriptor{}, &RegistryError{
			Code:    ErrCodeBackendNotFound,
			Message: fmt.Sprintf("backend %q is not registered", id),
		}
	}
	return d.clone(), nil
}

// List returns the registered backend ids, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.backends))
	for id := range r.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered backends.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.backends)
}

// Snapshot returns a deep copy of every descriptor, sorted by id. The
// router works exclusively on snapshots so a mid-request registry update
// cannot produce a decision that mixes old and new catalogs.
func (r *Registry) Snapshot() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.backends))
	for _, d := range r.backends {
		out = append(out, d.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Swap atomically replaces the whole catalog. On any validation failure
// nothing changes.
func (r *Registry) Swap(descriptors []Descriptor) error {
	next := make(map[string]Descriptor, len(descriptors))
	for _, d := range descriptors {
		if err := d.Validate(); err != nil {
			return &RegistryError{Code: ErrCodeInvalidDescriptor, Message: err.Error()}
		}
		next[d.ID] = d.clone()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends = next
	return nil
}
