package visit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Sealer encrypts signature artifacts at rest.
type Sealer interface {
	Seal(data []byte) ([]byte, error)
	Open(data []byte) ([]byte, error)
}

// SealedStore wraps a Store so signature artifacts are sealed before they are
// written and opened when read back.
type SealedStore struct {
	Store
	sealer Sealer
}

func NewSealedStore(s Store, sealer Sealer) *SealedStore {
	return &SealedStore{Store: s, sealer: sealer}
}

func (s *SealedStore) Commit(ctx context.Context, c *Commit) (*Visit, error) {
	if c.Signature == nil {
		return s.Store.Commit(ctx, c)
	}
	sealed, err := s.sealer.Seal(c.Signature.Artifact)
	if err != nil {
		return nil, fmt.Errorf("seal signature artifact: %w", err)
	}
	sig := *c.Signature
	sig.Artifact = sealed
	cc := *c
	cc.Signature = &sig
	return s.Store.Commit(ctx, &cc)
}

func (s *SealedStore) Signatures(ctx context.Context, visitID uuid.UUID) ([]*Signature, error) {
	sigs, err := s.Store.Signatures(ctx, visitID)
	if err != nil {
		return nil, err
	}
	for _, sig := range sigs {
		artifact, err := s.sealer.Open(sig.Artifact)
		if err != nil {
			return nil, fmt.Errorf("open signature %s: %w", sig.ID, err)
		}
		sig.Artifact = artifact
	}
	return sigs, nil
}
