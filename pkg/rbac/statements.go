package rbac

import (
	"fmt"
	"sort"
)

// InvalidStatementError is returned when a statement cannot be registered
type InvalidStatementError struct {
	Resource Resource
	Reason   string
}

func (e *InvalidStatementError) Error() string {
	return fmt.Sprintf("invalid statement for resource %q: %s", e.Resource, e.Reason)
}

// UnknownResourceError is returned for a resource that was never declared
type UnknownResourceError struct {
	Resource Resource
}

func (e *UnknownResourceError) Error() string {
	return fmt.Sprintf("unknown resource %q", e.Resource)
}

// Registry holds the declared resource -> action vocabulary. It is built
// once at startup and is read-only afterwards.
type Registry struct {
	order   []Resource
	actions map[Resource][]Action
	index   map[Resource]map[Action]struct{}
}

// Statement declares the actions available on one resource
type Statement struct {
	Resource Resource
	Actions  []Action
}

// NewRegistry validates and registers the given statements in order
func NewRegistry(statements ...Statement) (*Registry, error) {
	r := &Registry{
		actions: make(map[Resource][]Action, len(statements)),
		index:   make(map[Resource]map[Action]struct{}, len(statements)),
	}

	for _, st := range statements {
		if st.Resource == "" {
			return nil, &InvalidStatementError{Resource: st.Resource, Reason: "resource name is empty"}
		}
		if _, exists := r.actions[st.Resource]; exists {
			return nil, &InvalidStatementError{Resource: st.Resource, Reason: "resource declared twice"}
		}
		if len(st.Actions) == 0 {
			return nil, &InvalidStatementError{Resource: st.Resource, Reason: "no actions declared"}
		}

		set := make(map[Action]struct{}, len(st.Actions))
		for _, action := range st.Actions {
			if action == "" {
				return nil, &InvalidStatementError{Resource: st.Resource, Reason: "empty action name"}
			}
			if _, dup := set[action]; dup {
				return nil, &InvalidStatementError{
					Resource: st.Resource,
					Reason:   fmt.Sprintf("duplicate action %q", action),
				}
			}
			set[action] = struct{}{}
		}

		r.order = append(r.order, st.Resource)
		r.actions[st.Resource] = append([]Action(nil), st.Actions...)
		r.index[st.Resource] = set
	}

	return r, nil
}

// GetActions returns the declared actions for a resource in declaration order
func (r *Registry) GetActions(resource Resource) ([]Action, error) {
	actions, ok := r.actions[resource]
	if !ok {
		return nil, &UnknownResourceError{Resource: resource}
	}
	return append([]Action(nil), actions...), nil
}

// HasAction reports whether action is declared for resource
func (r *Registry) HasAction(resource Resource, action Action) bool {
	_, ok := r.index[resource][action]
	return ok
}

// Resources returns every declared resource in declaration order
func (r *Registry) Resources() []Resource {
	return append([]Resource(nil), r.order...)
}

// All returns grants covering every declared action
func (r *Registry) All() Grants {
	g := make(Grants, len(r.actions))
	for resource, actions := range r.actions {
		g[resource] = append([]Action(nil), actions...)
	}
	return g
}

// Statements returns the registry contents, sorted by resource
func (r *Registry) Statements() []Statement {
	out := make([]Statement, 0, len(r.order))
	for _, resource := range r.order {
		out = append(out, Statement{Resource: resource, Actions: append([]Action(nil), r.actions[resource]...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out
}
