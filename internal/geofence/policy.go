package geofence

import (
	"strings"

	"sitesafe/internal/detection"
)

// Restriction decides whether a class may not enter a zone.
type Restriction interface {
	IsRestricted(zoneName, objectClass string) bool
}

// DefaultRestrictedClasses applies to every zone without an override.
var DefaultRestrictedClasses = []string{detection.PersonClass}

// Policy is an immutable restriction table. Class names compare
// case-insensitively so "person" and "Person" are the same class.
type Policy struct {
	defaults  map[string]struct{}
	overrides map[string]map[string]struct{}
}

// NewPolicy builds a policy from default classes and each zone's override.
func NewPolicy(defaults []string, zones []Zone) *Policy {
	p := &Policy{
		defaults:  classSet(defaults),
		overrides: make(map[string]map[string]struct{}),
	}
	for _, z := range zones {
		if len(z.RestrictedClasses) > 0 {
			p.overrides[z.Name] = classSet(z.RestrictedClasses)
		}
	}
	return p
}

// IsRestricted implements Restriction.
func (p *Policy) IsRestricted(zoneName, objectClass string) bool {
	set, ok := p.overrides[zoneName]
	if !ok {
		set = p.defaults
	}
	_, restricted := set[strings.ToLower(objectClass)]
	return restricted
}

func classSet(classes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(classes))
	for _, c := range classes {
		set[strings.ToLower(c)] = struct{}{}
	}
	return set
}
