package auth

import "strings"

// Access levels returned by FieldAccess.
const (
	AccessEdit = "edit"
	AccessView = "view"
	AccessNone = "none"
)

const RoleClinician = "clinician"

// FieldAccess is the credential and role keyed permission table consulted
// before any visit field category is written. Lookups are pure.
type FieldAccess struct {
	owner    map[string]string
	admin    map[string]string
	staff    map[string]string
	readOnly map[string]bool
}

// DefaultFieldAccess grants the authoring clinician everything but voiding
// and grants administrators everything but provider signing. Any clinician
// may add addenda and collect a patient signature. Students may only view.
func DefaultFieldAccess() *FieldAccess {
	return NewFieldAccess(
		map[string]string{
			"visit_details":     AccessEdit,
			"signature":         AccessEdit,
			"patient_signature": AccessEdit,
			"correction":        AccessEdit,
			"void":              AccessView,
			"addendum":          AccessEdit,
		},
		map[string]string{
			"visit_details":     AccessEdit,
			"signature":         AccessView,
			"patient_signature": AccessEdit,
			"correction":        AccessEdit,
			"void":              AccessEdit,
			"addendum":          AccessEdit,
		},
		map[string]string{
			"patient_signature": AccessEdit,
			"addendum":          AccessEdit,
		},
		[]string{"STUDENT"},
	)
}

// NewFieldAccess builds a table from the rules for owning clinicians,
// administrators and clinicians who do not own the record. Categories
// missing from a rule set resolve to view.
func NewFieldAccess(owner, admin, staff map[string]string, readOnlyCredentials []string) *FieldAccess {
	fa := &FieldAccess{owner: owner, admin: admin, staff: staff, readOnly: make(map[string]bool)}
	for _, c := range readOnlyCredentials {
		fa.readOnly[strings.ToUpper(strings.TrimSpace(c))] = true
	}
	return fa
}

// Access returns the level the caller has on a field category. Unknown roles
// get nothing.
func (fa *FieldAccess) Access(credential, role string, isOwner bool, category string) string {
	level := AccessNone
	switch {
	case role == RoleAdmin:
		level = lookup(fa.admin, category)
	case role == RoleClinician && isOwner:
		level = lookup(fa.owner, category)
	case role == RoleClinician:
		level = lookup(fa.staff, category)
	}
	if level == AccessEdit && fa.readOnly[strings.ToUpper(strings.TrimSpace(credential))] {
		return AccessView
	}
	return level
}

func lookup(rules map[string]string, category string) string {
	if l, ok := rules[category]; ok {
		return l
	}
	return AccessView
}
