package models

import (
	"sort"
	"strings"
)

// EntityKind tags an entity value with the dimension it belongs to.
type EntityKind string

const (
	EntityHost    EntityKind = "host"
	EntityUser    EntityKind = "user"
	EntityIP      EntityKind = "ip"
	EntityProcess EntityKind = "process"
)

// EntityKinds lists every dimension that participates in overlap matching.
var EntityKinds = []EntityKind{EntityHost, EntityUser, EntityIP, EntityProcess}

// Entity is a single kind-tagged identity.
type Entity struct {
	Kind  EntityKind `json:"kind"`
	Value string     `json:"value"`
}

// Key returns the index key for the entity.
func (e Entity) Key() string {
	return string(e.Kind) + ":" + e.Value
}

// Entities holds the four entity sets of an incident. Each slice is kept sorted and unique.
type Entities struct {
	Hosts     []string `json:"hosts"`
	Users     []string `json:"users"`
	IPs       []string `json:"ips"`
	Processes []string `json:"processes"`
}

func (s *Entities) slot(kind EntityKind) *[]string {
	switch kind {
	case EntityHost:
		return &s.Hosts
	case EntityUser:
		return &s.Users
	case EntityIP:
		return &s.IPs
	case EntityProcess:
		return &s.Processes
	}
	return nil
}

// Has reports whether value is a member of the kind's set.
func (s *Entities) Has(kind EntityKind, value string) bool {
	p := s.slot(kind)
	if p == nil {
		return false
	}
	i := sort.SearchStrings(*p, value)
	return i < len(*p) && (*p)[i] == value
}

// Add inserts value into the kind's set and reports whether the set grew.
func (s *Entities) Add(kind EntityKind, value string) bool {
	p := s.slot(kind)
	if p == nil || value == "" {
		return false
	}
	i := sort.SearchStrings(*p, value)
	if i < len(*p) && (*p)[i] == value {
		return false
	}
	*p = append(*p, "")
	copy((*p)[i+1:], (*p)[i:])
	(*p)[i] = value
	return true
}

// List flattens all sets into kind-tagged entities.
func (s *Entities) List() []Entity {
	out := make([]Entity, 0, s.Len())
	for _, kind := range EntityKinds {
		for _, v := range *s.slot(kind) {
			out = append(out, Entity{Kind: kind, Value: v})
		}
	}
	return out
}

// Len returns the total number of members across all sets.
func (s *Entities) Len() int {
	return len(s.Hosts) + len(s.Users) + len(s.IPs) + len(s.Processes)
}

// Clone returns a deep copy.
func (s Entities) Clone() Entities {
	return Entities{
		Hosts:     cloneStrings(s.Hosts),
		Users:     cloneStrings(s.Users),
		IPs:       cloneStrings(s.IPs),
		Processes: cloneStrings(s.Processes),
	}
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// isPlaceholder filters values collectors emit when an identity is missing.
func isPlaceholder(v string) bool {
	switch strings.ToLower(v) {
	case "", "-", "unknown", "n/a", "none", "null":
		return true
	}
	return false
}
