package checkpoint

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no checkpoint (or best marker) matches.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrCheckpointExists is returned when an epoch is saved twice for one run.
	ErrCheckpointExists = errors.New("checkpoint already exists")
)

// #region checkpoint
// Checkpoint is the persisted model and optimizer state of one epoch.
type Checkpoint struct {
	RunID          string
	Epoch          int
	ModelState     []byte
	OptimizerState []byte
	IsBest         bool // best so far when it was saved
	CreatedAt      time.Time
}

// Info describes a checkpoint without its blobs.
type Info struct {
	RunID      string
	Epoch      int
	IsBest     bool
	Marked     bool // currently holds the best marker
	ModelBytes int
	CreatedAt  time.Time
}

// #endregion

// #region run
// Run is one training invocation.
type Run struct {
	RunID            string
	SerializationDir string
	ConfigJSON       string
	CreatedAt        time.Time
}

// #endregion

// #region mirror
// Mirror receives a copy of every saved blob.
type Mirror interface {
	Put(ctx context.Context, key string, data []byte) error
}

// BlobSource reads back blobs written through a Mirror.
type BlobSource interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// #endregion
