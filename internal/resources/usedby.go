package resources

import (
	"sort"
	"strings"
)

// refSetSeparator delimits route names in the persisted used-by annotation.
const refSetSeparator = ","

// RefSet is the set of route names referencing a shared maintenance resource
// set. It is serialized only at the persistence edge, as a delimited string
// in an annotation on the content holder.
type RefSet map[string]struct{}

// ParseRefSet decodes the persisted annotation form. Empty and whitespace
// entries are dropped.
func ParseRefSet(encoded string) RefSet {
	set := RefSet{}

	for _, part := range strings.Split(encoded, refSetSeparator) {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}

		set[name] = struct{}{}
	}

	return set
}

// Encode returns the persisted annotation form: sorted, comma-joined.
// Sorting keeps the encoding stable so conflict-retried updates compare
// equal across handlers.
func (s RefSet) Encode() string {
	return strings.Join(s.Names(), refSetSeparator)
}

// Add inserts name and reports whether the set changed.
func (s RefSet) Add(name string) bool {
	if _, ok := s[name]; ok {
		return false
	}

	s[name] = struct{}{}

	return true
}

// Remove deletes name and reports whether the set changed.
func (s RefSet) Remove(name string) bool {
	if _, ok := s[name]; !ok {
		return false
	}

	delete(s, name)

	return true
}

// Has reports whether name is in the set.
func (s RefSet) Has(name string) bool {
	_, ok := s[name]

	return ok
}

// Names returns the members in sorted order.
func (s RefSet) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
