// Package qualifier holds predicates that disqualify search candidates before
// any tie-break runs. A qualifier returning true removes the contact.
package qualifier

import (
	"doublet/internal/doublet/models"
)

// Func reports whether a contact must be excluded from doublet resolution.
type Func func(models.Contact) bool

// DefaultZombieField is the custom field the CRM sets on contacts that were
// already merged into another record.
const DefaultZombieField = "pks_konflikt"

// None keeps every contact.
func None(models.Contact) bool { return false }

// CustomFlag disqualifies contacts whose custom field name holds a truthy
// value: true, a non-zero number, a non-empty list or object, or any
// non-empty string other than "0" (so "false" and "no" are flags too, as the
// CRM integration has always read them). Missing and null fields keep the
// contact.
func CustomFlag(name string) Func {
	return func(c models.Contact) bool {
		v, ok := c.CustomField(name)
		if !ok {
			return false
		}
		return truthy(v)
	}
}

// Zombie is CustomFlag on DefaultZombieField.
func Zombie() Func {
	return CustomFlag(DefaultZombieField)
}

// Any disqualifies a contact when at least one qualifier does. Nil entries are
// ignored; with no qualifiers every contact is kept.
func Any(fs ...Func) Func {
	return func(c models.Contact) bool {
		for _, f := range fs {
			if f != nil && f(c) {
				return true
			}
		}
		return false
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != "" && t != "0"
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return false
	}
}
