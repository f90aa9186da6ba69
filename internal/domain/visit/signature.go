package visit

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultCountersignCredentials are the provider credentials whose visits
// need a patient countersignature.
var DefaultCountersignCredentials = []string{"LPN", "LVN"}

// Attestation text shown to signers. The exact text displayed is frozen on the
// signature row, so changing these only affects future signatures.
const (
	DefaultProviderAttestation = "I certify that I personally performed the services documented in this visit note " +
		"and that the information recorded is accurate and complete to the best of my knowledge."
	DefaultPatientAttestation = "I acknowledge that the services described in this visit were provided to me " +
		"on the date shown."
)

// SignaturePolicy decides countersignature requirements and supplies the
// attestation text for each signer role.
type SignaturePolicy struct {
	countersign  map[string]bool
	attestations map[SignerRole]string
}

// NewSignaturePolicy builds a policy from the credential codes that require a
// patient countersignature. Codes are compared case-insensitively.
func NewSignaturePolicy(credentials []string) *SignaturePolicy {
	p := &SignaturePolicy{
		countersign: make(map[string]bool, len(credentials)),
		attestations: map[SignerRole]string{
			SignerProvider: DefaultProviderAttestation,
			SignerPatient:  DefaultPatientAttestation,
		},
	}
	for _, c := range credentials {
		if c = normalizeCredential(c); c != "" {
			p.countersign[c] = true
		}
	}
	return p
}

// SetAttestation replaces the text shown to signers of the given role.
func (p *SignaturePolicy) SetAttestation(role SignerRole, text string) {
	p.attestations[role] = text
}

// Attestation returns the text currently shown to signers of role.
func (p *SignaturePolicy) Attestation(role SignerRole) string {
	return p.attestations[role]
}

// RequiresPatientSignature reports whether a visit signed by a provider with
// this credential needs a patient countersignature.
func (p *SignaturePolicy) RequiresPatientSignature(providerCredential string) bool {
	return p.countersign[normalizeCredential(providerCredential)]
}

func normalizeCredential(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}

// SignatureInput is the signer-supplied part of a signature.
type SignatureInput struct {
	SignerName string          `json:"signer_name"`
	Artifact   []byte          `json:"artifact"`
	Method     SignatureMethod `json:"method"`
}

func (in SignatureInput) validate() error {
	switch in.Method {
	case MethodDrawn:
		if len(in.Artifact) == 0 {
			return validationError("a drawn signature requires at least one stroke")
		}
		if strings.TrimSpace(in.SignerName) == "" {
			return validationError("the signer's name is required")
		}
	case MethodTyped:
		if strings.TrimSpace(in.SignerName) == "" {
			return validationError("a typed signature requires the signer's name")
		}
	default:
		return validationError("signature method must be %q or %q", MethodDrawn, MethodTyped)
	}
	return nil
}

func (p *SignaturePolicy) newSignature(visitID uuid.UUID, role SignerRole, in SignatureInput, signer uuid.UUID, now time.Time) *Signature {
	artifact := in.Artifact
	if in.Method == MethodTyped && len(artifact) == 0 {
		artifact = []byte(strings.TrimSpace(in.SignerName))
	}
	return &Signature{
		ID:                uuid.New(),
		VisitID:           visitID,
		SignerRole:        role,
		SignerName:        strings.TrimSpace(in.SignerName),
		Artifact:          append([]byte(nil), artifact...),
		Method:            in.Method,
		SignedBy:          signer,
		SignedAt:          now,
		CertificationText: p.Attestation(role),
	}
}

func signaturePayload(sig *Signature) map[string]string {
	return map[string]string{
		"signature_id":       sig.ID.String(),
		"signer_role":        string(sig.SignerRole),
		"signer_name":        sig.SignerName,
		"method":             string(sig.Method),
		"certification_text": sig.CertificationText,
	}
}
