package draft

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("draft not found")
	ErrConflict   = errors.New("draft conflict")
	ErrValidation = errors.New("invalid draft")
)

// Key identifies one autosaved form. Each user keeps their own draft of a
// form for a given entity.
type Key struct {
	FormType string    `json:"form_type"`
	EntityID uuid.UUID `json:"entity_id"`
	UserID   uuid.UUID `json:"user_id"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.FormType, k.EntityID, k.UserID)
}

func (k Key) validate() error {
	switch {
	case k.FormType == "":
		return fmt.Errorf("%w: form_type is required", ErrValidation)
	case k.EntityID == uuid.Nil:
		return fmt.Errorf("%w: entity_id is required", ErrValidation)
	case k.UserID == uuid.Nil:
		return fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	return nil
}

// Snapshot is the latest autosaved copy of a form. Data is opaque to the
// store.
type Snapshot struct {
	Key
	Data    json.RawMessage `json:"data"`
	Version int             `json:"version"`
	SavedAt time.Time       `json:"saved_at"`
}
