package visit

import (
	"sort"
	"strings"
)

// Command names one guarded lifecycle operation.
type Command string

const (
	CmdMarkReady         Command = "mark_ready"
	CmdSignProvider      Command = "sign_provider"
	CmdSignPatient       Command = "sign_patient"
	CmdSubmit            Command = "submit"
	CmdRequestCorrection Command = "request_correction"
	CmdMarkCorrected     Command = "mark_corrected"
	CmdVoid              Command = "void"
	CmdAddAddendum       Command = "add_addendum"
)

// transitions lists, per command, the states it may start from and the state
// it leaves the visit in. An empty target keeps the current status. Void is
// handled separately because it is legal from every non-voided state.
var transitions = map[Command]struct {
	from []Status
	to   Status
}{
	CmdMarkReady:         {from: []Status{StatusDraft}, to: StatusReadyForSignature},
	CmdSignProvider:      {from: []Status{StatusReadyForSignature}, to: StatusSigned},
	CmdSignPatient:       {from: []Status{StatusSigned}},
	CmdSubmit:            {from: []Status{StatusSigned, StatusComplete}, to: StatusSubmitted},
	CmdRequestCorrection: {from: []Status{StatusSubmitted, StatusComplete}, to: StatusBeingCorrected},
	CmdMarkCorrected:     {from: []Status{StatusBeingCorrected}, to: StatusComplete},
	CmdAddAddendum:       {from: []Status{StatusSigned, StatusSubmitted}},
}

var validStatuses = map[Status]bool{
	StatusDraft: true, StatusReadyForSignature: true, StatusSigned: true,
	StatusSubmitted: true, StatusBeingCorrected: true, StatusComplete: true,
	StatusVoided: true,
}

func (s Status) Valid() bool { return validStatuses[s] }

// Terminal reports whether no command may leave s.
func (s Status) Terminal() bool { return s == StatusVoided }

// CanApply reports whether cmd is legal from s.
func (s Status) CanApply(cmd Command) bool {
	if s.Terminal() {
		return false
	}
	if cmd == CmdVoid {
		return true
	}
	t, ok := transitions[cmd]
	if !ok {
		return false
	}
	for _, from := range t.from {
		if from == s {
			return true
		}
	}
	return false
}

// Next returns the status after cmd succeeds from s.
func (s Status) Next(cmd Command) Status {
	if cmd == CmdVoid {
		return StatusVoided
	}
	if t := transitions[cmd]; t.to != "" {
		return t.to
	}
	return s
}

// addendumStatuses are the states that accept addenda.
var addendumStatuses = transitions[CmdAddAddendum].from

// legacyStatuses collapses the values older schema revisions wrote.
var legacyStatuses = map[string]Status{
	"complete":          StatusComplete,
	"completed":         StatusComplete,
	"incomplete":        StatusDraft,
	"scheduled":         StatusDraft,
	"in_progress":       StatusDraft,
	"pending_signature": StatusReadyForSignature,
	"ready":             StatusReadyForSignature,
	"void":              StatusVoided,
}

// NormalizeStatus maps a stored status, including legacy spellings, onto the
// canonical enum. ok is false for values with no mapping.
func NormalizeStatus(raw string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if s.Valid() {
		return s, true
	}
	if mapped, found := legacyStatuses[string(s)]; found {
		return mapped, true
	}
	return "", false
}

// LegacyStatusMappings returns the legacy value -> canonical status pairs.
func LegacyStatusMappings() map[string]Status {
	out := make(map[string]Status, len(legacyStatuses))
	for k, v := range legacyStatuses {
		out[k] = v
	}
	return out
}

// Spellings returns every stored value that normalizes to s: the canonical
// name first, then legacy spellings in sorted order.
func (s Status) Spellings() []string {
	out := []string{string(s)}
	var legacy []string
	for raw, mapped := range legacyStatuses {
		if mapped == s && raw != string(s) {
			legacy = append(legacy, raw)
		}
	}
	sort.Strings(legacy)
	return append(out, legacy...)
}
