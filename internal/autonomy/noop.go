package autonomy

import (
	"context"
	"errors"
)

// ErrNoApplier is returned by NoopApplier. The server runs with it until
// a real change backend is wired in, so proposals can be created and
// reviewed but never silently "succeed".
var ErrNoApplier = errors.New("no change applier configured")

// NoopSnapshotter captures empty state. Placeholder for installations
// where the governed system has not registered a snapshot backend.
type NoopSnapshotter struct{}

// Capture returns an empty blob.
func (NoopSnapshotter) Capture(ctx context.Context, target string) ([]byte, error) {
	return []byte{}, nil
}

// Restore is a no-op.
func (NoopSnapshotter) Restore(ctx context.Context, target string, state []byte) error {
	return nil
}

// NoopApplier refuses every proposal with ErrNoApplier.
type NoopApplier struct{}

// Apply always fails; the execution is recorded as unsuccessful.
func (NoopApplier) Apply(ctx context.Context, p *Proposal) error {
	return ErrNoApplier
}
