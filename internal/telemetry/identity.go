package telemetry

import "strings"

// UnknownName is the placeholder firmware reports before a name is assigned.
const UnknownName = "unknown"

// identityKeys lists the wire keys carrying the unit name, preferred first.
// Older firmware published the name as solarName; newer firmware uses
// deviceName. This is the only place the alias is resolved.
var identityKeys = []string{"deviceName", "solarName"}

// identity resolves the unit name and reports alias keys whose value is
// neither a string nor null.
func identity(fields map[string]any) (string, []string) {
	var (
		name    string
		invalid []string
	)
	for _, key := range identityKeys {
		v, ok := fields[key]
		if !ok || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			invalid = append(invalid, key)
			continue
		}
		if name == "" {
			name = CanonicalName(s)
		}
	}
	return name, invalid
}

// ValidUnitID reports whether id can serve as a single topic level: non-empty
// and free of level separators, wildcards and NUL.
func ValidUnitID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/+#\x00")
}

// CanonicalName trims surrounding whitespace from a unit name.
func CanonicalName(name string) string {
	return strings.TrimSpace(name)
}

// EligibleName reports whether name may be recorded in the device registry:
// non-empty after trimming and not the "unknown" placeholder in any case.
func EligibleName(name string) bool {
	name = CanonicalName(name)
	return name != "" && !strings.EqualFold(name, UnknownName)
}

// SameUnit compares two unit names after trimming. The comparison is
// case-sensitive.
func SameUnit(a, b string) bool {
	a, b = CanonicalName(a), CanonicalName(b)
	return a != "" && a == b
}
