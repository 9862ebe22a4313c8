package access

import (
	"sync"

	"github.com/capeworks/cape/core"
)

// special rule selectors
const (
	// SelectorWildcard matches every identity, including anonymous ones
	SelectorWildcard = "*"
	// SelectorOwner matches only if the acting identity equals the value of
	// the resource's owner property on the concrete instance
	SelectorOwner = "owner"
)

// Rule grants a set of operations on one resource to a subject class. The
// selector is a role name, the wildcard "*", or "owner". Rules are additive,
// there is no deny rule; absence of a matching rule means denial.
type Rule struct {
	Selector   string           `json:"role"`
	Resource   string           `json:"resource"`
	Operations []core.Operation `json:"operations"`
}

func (r Rule) grants(operation core.Operation) bool {
	for _, op := range r.Operations {
		if op == operation {
			return true
		}
	}
	return false
}

// PolicyStore holds the authorization rules. Rules are inserted at setup time
// and read-only during request processing; Reload replaces the entire rule
// set atomically, which takes effect at the next evaluation.
type PolicyStore struct {
	mutex sync.RWMutex
	rules map[string][]Rule
}

// NewPolicyStore creates an empty policy store
func NewPolicyStore() *PolicyStore {
	return &PolicyStore{rules: make(map[string][]Rule)}
}

// Grant adds a rule to the store
func (s *PolicyStore) Grant(rule Rule) {
	s.mutex.Lock()
	s.rules[rule.Resource] = append(s.rules[rule.Resource], rule)
	s.mutex.Unlock()
}

// Reload replaces all rules with the passed set
func (s *PolicyStore) Reload(rules []Rule) {
	next := make(map[string][]Rule)
	for _, rule := range rules {
		next[rule.Resource] = append(next[rule.Resource], rule)
	}
	s.mutex.Lock()
	s.rules = next
	s.mutex.Unlock()
}

func (s *PolicyStore) rulesForResource(resource string) []Rule {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.rules[resource]
}

// Scope describes how far a grant for a collection operation reaches
type Scope int

const (
	// ScopeNone means no row is accessible
	ScopeNone Scope = iota
	// ScopeOwned means only rows whose owner property equals the identity are accessible
	ScopeOwned
	// ScopeAll means every row is accessible
	ScopeAll
)

// Engine evaluates whether an identity may perform an operation on a resource
// instance. Evaluation is pure: it performs no I/O and has no side effects,
// and it always uses the policy state current at call time.
type Engine struct {
	registry *core.Registry
	store    *PolicyStore
}

// NewEngine creates a permission engine on top of the given resource registry
// and policy store
func NewEngine(registry *core.Registry, store *PolicyStore) *Engine {
	return &Engine{registry: registry, store: store}
}

// Store returns the engine's policy store
func (e *Engine) Store() *PolicyStore {
	return e.store
}

// Authorize returns true if the authorization may perform the operation on
// the resource. The instance is the row snapshot as a property map; it may be
// nil for operations which do not refer to a concrete instance, in which case
// owner rules cannot match.
//
// The decision is a pure union of grants from all matching rules. No matching
// rule means denial, never an error. An unregistered resource is a usage
// error and returns an UnknownResourceError.
func (e *Engine) Authorize(auth *Authorization, resource string, operation core.Operation,
	instance map[string]interface{}) (bool, error) {

	descriptor, err := e.registry.Lookup(resource)
	if err != nil {
		return false, err
	}
	if operation == core.OperationList {
		operation = core.OperationRead
	}

	for _, rule := range e.store.rulesForResource(resource) {
		if !rule.grants(operation) {
			continue
		}
		switch rule.Selector {
		case SelectorWildcard:
			return true, nil
		case SelectorOwner:
			if instance == nil || auth == nil || len(auth.Identity) == 0 {
				continue
			}
			if len(descriptor.OwnerProperty) == 0 {
				continue
			}
			if owner, ok := instance[descriptor.OwnerProperty].(string); ok && owner == auth.Identity {
				return true, nil
			}
		default:
			if auth.HasRole(rule.Selector) {
				return true, nil
			}
		}
	}
	return false, nil
}

// AuthorizeScope evaluates a collection operation and returns how far the
// grant reaches: all rows, only owned rows, or nothing. The CRUD layer
// compiles the scope into the list query so that a row is wholly visible or
// wholly excluded, never partially redacted.
func (e *Engine) AuthorizeScope(auth *Authorization, resource string, operation core.Operation) (Scope, error) {
	descriptor, err := e.registry.Lookup(resource)
	if err != nil {
		return ScopeNone, err
	}
	if operation == core.OperationList {
		operation = core.OperationRead
	}

	scope := ScopeNone
	for _, rule := range e.store.rulesForResource(resource) {
		if !rule.grants(operation) {
			continue
		}
		switch rule.Selector {
		case SelectorWildcard:
			return ScopeAll, nil
		case SelectorOwner:
			if auth != nil && len(auth.Identity) > 0 && len(descriptor.OwnerProperty) > 0 {
				scope = ScopeOwned
			}
		default:
			if auth.HasRole(rule.Selector) {
				return ScopeAll, nil
			}
		}
	}
	return scope, nil
}
