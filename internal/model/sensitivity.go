package model

// Sensitivity classifies how protected a table or field is.
type Sensitivity int

const (
	SensitivityPublic Sensitivity = iota
	SensitivityInternal
	SensitivityConfidential
	SensitivityRestricted
	SensitivityHighlyRestricted
)

var sensitivityNames = map[Sensitivity]string{
	SensitivityPublic:           "PUBLIC",
	SensitivityInternal:         "INTERNAL",
	SensitivityConfidential:     "CONFIDENTIAL",
	SensitivityRestricted:       "RESTRICTED",
	SensitivityHighlyRestricted: "HIGHLY_RESTRICTED",
}

func (s Sensitivity) String() string {
	if name, ok := sensitivityNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseSensitivity maps a config string to a level. Unknown strings map
// to the most protective level so a typo never loosens classification.
func ParseSensitivity(s string) Sensitivity {
	for level, name := range sensitivityNames {
		if name == s {
			return level
		}
	}
	return SensitivityHighlyRestricted
}

// DefaultAuditLevel is the audit level applied to policies that do not
// set one, keyed off the table's classification.
func (s Sensitivity) DefaultAuditLevel() AuditLevel {
	switch {
	case s >= SensitivityHighlyRestricted:
		return AuditLevelComprehensive
	case s >= SensitivityConfidential:
		return AuditLevelDetailed
	default:
		return AuditLevelBasic
	}
}

// RequiresConsent reports whether read access at this classification
// must be consent-gated.
func (s Sensitivity) RequiresConsent() bool {
	return s >= SensitivityHighlyRestricted
}

// SensitivityMap classifies tables and individual fields. Field entries
// override their table's level.
type SensitivityMap struct {
	Tables map[string]Sensitivity
	Fields map[string]map[string]Sensitivity
}

// TableLevel returns the classification for a table, defaulting to
// RESTRICTED for tables the map does not know about.
func (m *SensitivityMap) TableLevel(table string) Sensitivity {
	if m == nil {
		return SensitivityRestricted
	}
	if level, ok := m.Tables[table]; ok {
		return level
	}
	return SensitivityRestricted
}

// FieldLevel returns the classification for a field within a table.
func (m *SensitivityMap) FieldLevel(table, field string) Sensitivity {
	if m != nil {
		if fields, ok := m.Fields[table]; ok {
			if level, ok := fields[field]; ok {
				return level
			}
		}
	}
	return m.TableLevel(table)
}
