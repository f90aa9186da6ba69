package visit

// AccessLevel is the answer of the field permission lookup.
type AccessLevel string

const (
	AccessEdit AccessLevel = "edit"
	AccessView AccessLevel = "view"
	AccessNone AccessLevel = "none"
)

// FieldCategory groups the visit fields a command writes.
type FieldCategory string

const (
	FieldVisitDetails     FieldCategory = "visit_details"
	FieldSignature        FieldCategory = "signature"
	FieldPatientSignature FieldCategory = "patient_signature"
	FieldCorrection       FieldCategory = "correction"
	FieldVoid             FieldCategory = "void"
	FieldAddendum         FieldCategory = "addendum"
)

// PermissionGate is the externally owned permission lookup. Implementations
// must be pure: the same inputs always yield the same level.
type PermissionGate interface {
	Access(credential, role string, isOwner bool, category FieldCategory) AccessLevel
}

// PermissionFunc adapts a plain function to PermissionGate.
type PermissionFunc func(credential, role string, isOwner bool, category FieldCategory) AccessLevel

func (f PermissionFunc) Access(credential, role string, isOwner bool, category FieldCategory) AccessLevel {
	return f(credential, role, isOwner, category)
}

// categoryFor is the field category each command is checked against.
var categoryFor = map[Command]FieldCategory{
	CmdMarkReady:         FieldVisitDetails,
	CmdSignProvider:      FieldSignature,
	CmdSignPatient:       FieldPatientSignature,
	CmdSubmit:            FieldVisitDetails,
	CmdRequestCorrection: FieldCorrection,
	CmdMarkCorrected:     FieldCorrection,
	CmdVoid:              FieldVoid,
	CmdAddAddendum:       FieldAddendum,
}

// actorAllowed applies the role restrictions of the transition table on top
// of the permission gate.
func actorAllowed(cmd Command, a Actor, v *Visit) error {
	owner := v.IsOwner(a)
	admin := a.Role == RoleAdmin
	switch cmd {
	case CmdMarkReady, CmdSubmit:
		if !owner && !admin {
			return unauthorized("only the authoring clinician or an administrator may %s this visit", verb(cmd))
		}
	case CmdSignProvider:
		if !owner {
			return unauthorized("only the authoring clinician may sign this visit as provider")
		}
	case CmdMarkCorrected:
		if !owner {
			return unauthorized("only the authoring clinician may mark corrections complete")
		}
	case CmdRequestCorrection, CmdVoid:
		if !admin {
			return unauthorized("only office administrators may %s a visit", verb(cmd))
		}
	}
	return nil
}

func verb(cmd Command) string {
	switch cmd {
	case CmdMarkReady:
		return "mark ready"
	case CmdSubmit:
		return "submit"
	case CmdRequestCorrection:
		return "request corrections on"
	case CmdVoid:
		return "void"
	}
	return string(cmd)
}
