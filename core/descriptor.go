package core

import (
	"sync"
)

// Descriptor describes a registered resource. Descriptors are immutable once
// registered; they are created at startup and live for the process lifetime.
//
// Every resource is stored with a generated primary key "{resource}_id" and a
// JSON properties document. The optional owner property names the property
// that holds the identity of the resource owner; it is the anchor for the
// "owner" policy selector. The optional schema id refers to a JSON schema
// which is resolved once at registration time and then enforced on every
// create and update.
type Descriptor struct {
	Resource             string      `json:"resource"`
	Description          string      `json:"description,omitempty"`
	OwnerProperty        string      `json:"owner_property,omitempty"`
	SchemaID             string      `json:"schema_id,omitempty"`
	ExternalIndex        string      `json:"external_index,omitempty"`
	SearchableProperties []string    `json:"searchable_properties,omitempty"`
	Operations           []Operation `json:"operations,omitempty"`
}

// PrimaryKey returns the name of the generated primary key property
func (d Descriptor) PrimaryKey() string {
	return d.Resource + "_id"
}

// SupportsOperation returns true if the operation is enabled for this
// resource. A descriptor without explicit operations supports all of them.
func (d Descriptor) SupportsOperation(operation Operation) bool {
	if len(d.Operations) == 0 {
		return true
	}
	for _, op := range d.Operations {
		if op == operation {
			return true
		}
		// list is read on the collection
		if operation == OperationList && op == OperationRead {
			return true
		}
	}
	return false
}

// Registry maps resource names to their descriptors. Registration happens at
// startup; afterwards the registry is read-only. Reset exists for tests and
// administrative tooling only.
type Registry struct {
	mutex       sync.RWMutex
	descriptors map[string]Descriptor
}

// NewRegistry creates an empty resource registry
func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[string]Descriptor)}
}

// Register adds a descriptor to the registry. It returns a
// DuplicateResourceError if the resource name is already taken.
func (r *Registry) Register(descriptor Descriptor) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.descriptors[descriptor.Resource]; ok {
		return DuplicateResourceError{Resource: descriptor.Resource}
	}
	r.descriptors[descriptor.Resource] = descriptor
	return nil
}

// Lookup returns the descriptor for the requested resource, or an
// UnknownResourceError if no such resource was registered.
func (r *Registry) Lookup(resource string) (Descriptor, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	descriptor, ok := r.descriptors[resource]
	if !ok {
		return Descriptor{}, UnknownResourceError{Resource: resource}
	}
	return descriptor, nil
}

// Resources returns the names of all registered resources
func (r *Registry) Resources() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	resources := make([]string, 0, len(r.descriptors))
	for resource := range r.descriptors {
		resources = append(resources, resource)
	}
	return resources
}

// Reset removes all registered descriptors. Steady-state code must never call
// this; re-registration is a test and administrative facility.
func (r *Registry) Reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.descriptors = make(map[string]Descriptor)
}
