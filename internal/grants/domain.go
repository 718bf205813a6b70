package grants

import (
	"errors"
	"sort"
)

// Everyone is the reserved principal id whose grants form the baseline
// merged into every other principal's result.
const Everyone = "*"

// ErrNotFound indicates the requested principal is absent.
var ErrNotFound = errors.New("grants: principal not found")

// Resource kinds known to the default catalog.
const (
	TypeAccount     = "account"
	TypeApplication = "application"
	TypeRole        = "role"
)

// Resource is an opaque typed payload a principal can be granted access to.
// The core never inspects it beyond its type tag and name.
type Resource interface {
	ResourceType() string
	ResourceName() string
}

// Account grants access to a billing or infrastructure account.
type Account struct {
	Name  string `json:"name"`
	Owner string `json:"owner,omitempty"`
}

func (a Account) ResourceType() string { return TypeAccount }
func (a Account) ResourceName() string { return a.Name }

// Application grants access to a deployable application.
type Application struct {
	Name        string `json:"name"`
	Environment string `json:"environment,omitempty"`
}

func (a Application) ResourceType() string { return TypeApplication }
func (a Application) ResourceName() string { return a.Name }

// Role marks membership in a named role. Edges to role resources drive the
// role-filtered read path.
type Role struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (r Role) ResourceType() string { return TypeRole }
func (r Role) ResourceName() string { return r.Name }

// Set aggregates one principal's admin flag and granted resources, grouped
// by resource type then name. A Set is built fresh per write or read; after
// construction it is only extended through Add while being assembled, or
// combined with another Set through Merge, which leaves both inputs intact.
type Set struct {
	PrincipalID string
	Admin       bool
	Resources   map[string]map[string]Resource
}

// NewSet constructs a Set holding the given resources.
func NewSet(principalID string, admin bool, resources ...Resource) *Set {
	s := &Set{
		PrincipalID: principalID,
		Admin:       admin,
		Resources:   map[string]map[string]Resource{},
	}
	for _, r := range resources {
		s.Add(r)
	}
	return s
}

// Add records a granted resource. Adding the same (type, name) again
// overwrites the previous entry, so duplicate rows fold cleanly.
func (s *Set) Add(r Resource) {
	byName, ok := s.Resources[r.ResourceType()]
	if !ok {
		byName = map[string]Resource{}
		s.Resources[r.ResourceType()] = byName
	}
	byName[r.ResourceName()] = r
}

// Has reports whether the set contains the resource.
func (s *Set) Has(resourceType, resourceName string) bool {
	_, ok := s.Resources[resourceType][resourceName]
	return ok
}

// Types returns the granted resource types in sorted order.
func (s *Set) Types() []string {
	types := make([]string, 0, len(s.Resources))
	for typ := range s.Resources {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// Names returns the granted resource names of one type in sorted order.
func (s *Set) Names(resourceType string) []string {
	byName := s.Resources[resourceType]
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every granted resource ordered by type then name. The stable
// order keeps write batches deterministic.
func (s *Set) All() []Resource {
	var out []Resource
	for _, typ := range s.Types() {
		for _, name := range s.Names(typ) {
			out = append(out, s.Resources[typ][name])
		}
	}
	return out
}

// Len returns the number of granted resources across all types.
func (s *Set) Len() int {
	n := 0
	for _, byName := range s.Resources {
		n += len(byName)
	}
	return n
}

// Merge returns a new Set combining the receiver with other: the union of
// the per-type resource sets and the OR of the admin flags. The receiver's
// principal id is kept. Neither input is modified.
func (s *Set) Merge(other *Set) *Set {
	merged := NewSet(s.PrincipalID, s.Admin)
	for _, r := range s.All() {
		merged.Add(r)
	}
	if other == nil {
		return merged
	}
	merged.Admin = merged.Admin || other.Admin
	for _, r := range other.All() {
		merged.Add(r)
	}
	return merged
}
