package draft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Recorder counts autosave outcomes.
type Recorder interface {
	DraftSaved(result string)
}

type nopRecorder struct{}

func (nopRecorder) DraftSaved(string) {}

// maxDataBytes bounds a single snapshot.
const maxDataBytes = 256 << 10

// Service autosaves in-progress forms so they can be restored or discarded
// when the user returns. It never touches visit state.
type Service struct {
	store    Store
	recorder Recorder
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(store Store, logger zerolog.Logger) *Service {
	return &Service{
		store:    store,
		recorder: nopRecorder{},
		logger:   logger.With().Str("component", "draft").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	s.recorder = r
}

// Save stores data as the newest snapshot for key. expectedVersion is the
// version the client last saw, 0 for a first save.
func (s *Service) Save(ctx context.Context, key Key, data json.RawMessage, expectedVersion int) (*Snapshot, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	if expectedVersion < 0 {
		return nil, fmt.Errorf("%w: version cannot be negative", ErrValidation)
	}
	if len(data) == 0 || !json.Valid(data) {
		return nil, fmt.Errorf("%w: data must be a JSON document", ErrValidation)
	}
	if len(data) > maxDataBytes {
		return nil, fmt.Errorf("%w: data exceeds %d bytes", ErrValidation, maxDataBytes)
	}

	snap := &Snapshot{Key: key, Data: data, SavedAt: s.now()}
	if err := s.store.Put(ctx, snap, expectedVersion); err != nil {
		result := "error"
		if errors.Is(err, ErrConflict) {
			result = "conflict"
		}
		s.recorder.DraftSaved(result)
		s.logger.Warn().Err(err).Str("draft", key.String()).Int("expected_version", expectedVersion).Msg("draft save rejected")
		return nil, err
	}
	s.recorder.DraftSaved("saved")
	s.logger.Debug().Str("draft", key.String()).Int("version", snap.Version).Msg("draft saved")
	return snap, nil
}

// Latest returns the snapshot offered in the restore/discard prompt.
func (s *Service) Latest(ctx context.Context, key Key) (*Snapshot, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, key)
}

func (s *Service) Discard(ctx context.Context, key Key) error {
	if err := key.validate(); err != nil {
		return err
	}
	return s.store.Delete(ctx, key)
}
