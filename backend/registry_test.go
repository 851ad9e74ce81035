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
	"errors"
	"sort"
	"testing"

	"mpcgate/gateway/contract"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	d := validDescriptor()

	if err := r.Register(d); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	got, err := r.Get(d.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID != d.ID {
		t.Errorf("Expected id %s, got %s", d.ID, got.ID)
	}
	if got.CostPer1KTokens != d.CostPer1KTokens {
		t.Errorf("Expected cost %v, got %v", d.CostPer1KTokens, got.CostPer1KTokens)
	}
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(validDescriptor()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	got, err := r.Get("test:backend")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	// Mutating the returned descriptor must not touch registry state.
	got.Capabilities[0] = CapSecurityScan
	got.CostPer1KTokens = 99

	again, err := r.Get("test:backend")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if again.Capabilities[0] != CapTextGeneration {
		t.Error("Expected registry capabilities to be isolated from caller mutation")
	}
	if again.CostPer1KTokens != 0.002 {
		t.Errorf("Expected cost 0.002, got %v", again.CostPer1KTokens)
	}
}

func TestRegistryRegisterInvalid(t *testing.T) {
	r := NewRegistry()
	d := validDescriptor()
	d.ID = ""

	err := r.Register(d)
	if err == nil {
		t.Fatal("Expected error for invalid descriptor")
	}

	var regErr *RegistryError
	if !errors.As(err, &regErr) {
		t.Fatalf("Expected RegistryError, got %T", err)
	}
	if regErr.Code != ErrCodeInvalidDescriptor {
		t.Errorf("Expected code %s, got %s", ErrCodeInvalidDescriptor, regErr.Code)
	}
	if r.Count() != 0 {
		t.Errorf("Expected empty registry after failed register, got %d entries", r.Count())
	}
}

func TestRegistryGetMissing(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get("nope:missing")
	if err == nil {
		t.Fatal("Expected error for missing backend")
	}

	var regErr *RegistryError
	if !errors.As(err, &regErr) {
		t.Fatalf("Expected RegistryError, got %T", err)
	}
	if regErr.Code != ErrCodeBackendNotFound {
		t.Errorf("Expected code %s, got %s", ErrCodeBackendNotFound, regErr.Code)
	}
}

func TestRegistryIdempotentRegister(t *testing.T) {
	r := NewRegistry()
	d := validDescriptor()

	if err := r.Register(d); err != nil {
		t.Fatalf("First register failed: %v", err)
	}

	d.CostPer1KTokens = 0.01
	if err := r.Register(d); err != nil {
		t.Fatalf("Second register failed: %v", err)
	}

	if r.Count() != 1 {
		t.Errorf("Expected 1 entry after re-register, got %d", r.Count())
	}

	got, err := r.Get(d.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.CostPer1KTokens != 0.01 {
		t.Errorf("Expected re-register to replace entry, cost = %v", got.CostPer1KTokens)
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	ids := []string{"c:gamma", "a:alpha", "b:beta"}
	for _, id := range ids {
		d := validDescriptor()
		d.ID = id
		if err := r.Register(d); err != nil {
			t.Fatalf("Register %s failed: %v", id, err)
		}
	}

	got := r.List()
	if len(got) != 3 {
		t.Fatalf("Expected 3 ids, got %d", len(got))
	}
	if !sort.StringsAreSorted(got) {
		t.Errorf("Expected sorted ids, got %v", got)
	}
}

func TestRegistrySnapshotIsolation(t *testing.T) {
	r := NewDefaultRegistry()

	snap := r.Snapshot()
	if len(snap) != r.Count() {
		t.Fatalf("Expected snapshot of %d entries, got %d", r.Count(), len(snap))
	}

	// Snapshots are sorted by id so routing over them is deterministic.
	for i := 1; i < len(snap); i++ {
		if snap[i-1].ID >= snap[i].ID {
			t.Errorf("Expected snapshot sorted by id, %s before %s", snap[i-1].ID, snap[i].ID)
		}
	}

	// Mutating a snapshot must not leak into the registry.
	victim := snap[0].ID
	snap[0].Capabilities[0] = "tampered"
	snap[0].SensitivityAllowed[0] = "tampered"

	fresh, err := r.Get(victim)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fresh.Capabilities[0] == "tampered" {
		t.Error("Expected registry capabilities to be isolated from snapshot mutation")
	}
	if fresh.SensitivityAllowed[0] == "tampered" {
		t.Error("Expected registry sensitivities to be isolated from snapshot mutation")
	}
}

func TestRegistrySwap(t *testing.T) {
	r := NewDefaultRegistry()
	before := r.Count()
	if before == 0 {
		t.Fatal("Expected default registry to be non-empty")
	}

	d := validDescriptor()
	if err := r.Swap([]Descriptor{d}); err != nil {
		t.Fatalf("Swap failed: %v", err)
	}
	if r.Count() != 1 {
		t.Errorf("Expected 1 entry after swap, got %d", r.Count())
	}
	if _, err := r.Get("openai:gpt-4"); err == nil {
		t.Error("Expected previous catalog to be gone after swap")
	}
}

func TestRegistrySwapInvalidLeavesCatalog(t *testing.T) {
	r := NewDefaultRegistry()
	before := r.Count()

	bad := validDescriptor()
	bad.MaxTokens = 0

	err := r.Swap([]Descriptor{validDescriptor(), bad})
	if err == nil {
		t.Fatal("Expected swap with invalid descriptor to fail")
	}
	if r.Count() != before {
		t.Errorf("Expected catalog unchanged after failed swap, had %d now %d", before, r.Count())
	}
	if _, err := r.Get("openai:gpt-4"); err != nil {
		t.Errorf("Expected original entries intact after failed swap: %v", err)
	}
}

func TestNewDefaultRegistry(t *testing.T) {
	r := NewDefaultRegistry()

	if r.Count() != len(DefaultCatalog()) {
		t.Errorf("Expected %d entries, got %d", len(DefaultCatalog()), r.Count())
	}

	for _, id := range []string{"openai:gpt-4", "ollama:llama2", "rules:pii-detector"} {
		if _, err := r.Get(id); err != nil {
			t.Errorf("Expected %s in default registry: %v", id, err)
		}
	}

	// The private backend keeps full sensitivity clearance.
	ollama, err := r.Get("ollama:llama2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ollama.PIIAllowed || !ollama.AllowsSensitivity(contract.SensitivityConfidential) {
		t.Error("Expected ollama:llama2 to be PII-allowed with confidential clearance")
	}
}
