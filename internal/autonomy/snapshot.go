// Package autonomy manages pre-approved change proposals: capture a
// snapshot, apply the change atomically, capture the result, and keep a
// single-use rollback token that can restore the before state.
package autonomy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/secretbox"
)

// ErrSnapshotNotFound is returned when a snapshot ID has no stored blob.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// ErrInvalidSnapshotKey is returned when the encryption key is not
// exactly 32 bytes.
var ErrInvalidSnapshotKey = errors.New("snapshot key must be 32 bytes")

// Snapshot identifies one captured state blob.
type Snapshot struct {
	ID         string    `json:"id"`
	ProposalID string    `json:"proposal_id"`
	Kind       string    `json:"kind"`
	CapturedAt time.Time `json:"captured_at"`
}

// Snapshot kinds.
const (
	SnapshotBefore = "before"
	SnapshotAfter  = "after"
)

// Snapshotter captures and restores target state around a change. The
// governed system supplies the implementation; the executor only needs
// the round trip to hold.
type Snapshotter interface {
	Capture(ctx context.Context, target string) ([]byte, error)
	Restore(ctx context.Context, target string, state []byte) error
}

// FileSnapshotStore keeps snapshot blobs as encrypted files under a base
// directory. Blobs are sealed with nacl/secretbox; the 24-byte nonce is
// prefixed to the ciphertext.
type FileSnapshotStore struct {
	baseDir string
	key     [32]byte
}

// NewFileSnapshotStore creates the store. key must be a 64-char hex
// string decoding to 32 bytes.
func NewFileSnapshotStore(baseDir, key string) (*FileSnapshotStore, error) {
	raw, err := hex.DecodeString(key)
	if err != nil || len(raw) != 32 {
		return nil, ErrInvalidSnapshotKey
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	s := &FileSnapshotStore{baseDir: baseDir}
	copy(s.key[:], raw)
	return s, nil
}

// Save seals and writes a snapshot blob, returning its metadata.
func (s *FileSnapshotStore) Save(proposalID, kind string, state []byte) (*Snapshot, error) {
	snap := &Snapshot{
		ID:         "snap_" + uuid.New().String()[:12],
		ProposalID: proposalID,
		Kind:       kind,
		CapturedAt: time.Now().UTC(),
	}

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], state, &nonce, &s.key)

	path, err := s.blobPath(snap.ID)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		return nil, fmt.Errorf("writing snapshot: %w", err)
	}
	return snap, nil
}

// Load reads and opens a snapshot blob.
func (s *FileSnapshotStore) Load(snapshotID string) ([]byte, error) {
	path, err := s.blobPath(snapshotID)
	if err != nil {
		return nil, err
	}
	sealed, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	if len(sealed) < 24 {
		return nil, fmt.Errorf("snapshot %s is truncated", snapshotID)
	}

	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	state, ok := secretbox.Open(nil, sealed[24:], &nonce, &s.key)
	if !ok {
		return nil, fmt.Errorf("snapshot %s failed authentication", snapshotID)
	}
	return state, nil
}

// Delete removes a snapshot blob. Missing blobs are not an error.
func (s *FileSnapshotStore) Delete(snapshotID string) error {
	path, err := s.blobPath(snapshotID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	return nil
}

// blobPath resolves the snapshot file, refusing IDs that would escape the
// base directory.
func (s *FileSnapshotStore) blobPath(snapshotID string) (string, error) {
	path := filepath.Join(s.baseDir, snapshotID+".bin")
	absBase, err := filepath.Abs(s.baseDir)
	if err != nil {
		return "", fmt.Errorf("resolving snapshot base: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving snapshot path: %w", err)
	}
	if absPath != absBase && !strings.HasPrefix(absPath, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("snapshot id %q escapes the snapshot directory", snapshotID)
	}
	return absPath, nil
}
