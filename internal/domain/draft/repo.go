package draft

import "context"

// Store keeps one snapshot per key. Put succeeds only when the stored
// version equals expectedVersion, 0 meaning no snapshot exists yet, and
// stores the snapshot at expectedVersion+1.
type Store interface {
	Get(ctx context.Context, key Key) (*Snapshot, error)
	Put(ctx context.Context, snap *Snapshot, expectedVersion int) error
	Delete(ctx context.Context, key Key) error
}
