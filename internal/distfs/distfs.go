// Package distfs implements the distributed filesystem segmenter
// (component K): chunking a snapshot or journal blob into content-addressed
// segments, a manifest describing their order, and reassembly with
// contiguity verification.
package distfs

import (
	"fmt"

	"agent-world/internal/cas"
	"agent-world/internal/crypto"
)

// DefaultSegmentBytes is the chunk size segment_snapshot/segment_journal
// split content into, chosen to stay well under typical gossip message
// size limits (component L).
const DefaultSegmentBytes = 1 << 20 // 1 MiB

// Segment is one chunk's position and content hash within a larger blob.
type Segment struct {
	Index      int    `cbor:"index" json:"index"`
	ContentHash string `cbor:"content_hash" json:"content_hash"`
	Size       int    `cbor:"size" json:"size"`
}

// SnapshotManifest describes how a full blob was split into Segments, so
// a peer can fetch them independently (in any order) and reassemble.
type SnapshotManifest struct {
	TotalSize    int64     `cbor:"total_size" json:"total_size"`
	TotalHash    string    `cbor:"total_hash" json:"total_hash"`
	SegmentBytes int       `cbor:"segment_bytes" json:"segment_bytes"`
	Segments     []Segment `cbor:"segments" json:"segments"`
}

// SegmentSnapshot splits blob into fixed-size segments, storing each one
// in store keyed by its own content hash, and returns the manifest
// describing the split.
func SegmentSnapshot(store *cas.Store, blob []byte, segmentBytes int) (SnapshotManifest, error) {
	return segment(store, blob, segmentBytes)
}

// SegmentJournal splits an event-log/journal blob the same way snapshots
// are split; journals and snapshots share one segmenting scheme so the
// same reassembly code handles both (§4.10 "segmenter is content-agnostic
// about what it chunks").
func SegmentJournal(store *cas.Store, blob []byte, segmentBytes int) (SnapshotManifest, error) {
	return segment(store, blob, segmentBytes)
}

func segment(store *cas.Store, blob []byte, segmentBytes int) (SnapshotManifest, error) {
	if segmentBytes <= 0 {
		segmentBytes = DefaultSegmentBytes
	}
	totalHash := crypto.BLAKE3Hex(blob)
	manifest := SnapshotManifest{TotalSize: int64(len(blob)), TotalHash: totalHash, SegmentBytes: segmentBytes}
	for i, offset := 0, 0; offset < len(blob); i, offset = i+1, offset+segmentBytes {
		end := offset + segmentBytes
		if end > len(blob) {
			end = len(blob)
		}
		chunk := blob[offset:end]
		hash := crypto.BLAKE3Hex(chunk)
		if store != nil {
			if err := store.Put(hash, chunk); err != nil {
				return SnapshotManifest{}, fmt.Errorf("distfs: store segment %d: %w", i, err)
			}
		}
		manifest.Segments = append(manifest.Segments, Segment{Index: i, ContentHash: hash, Size: len(chunk)})
	}
	// An empty blob still yields a valid (zero-segment) manifest: its
	// total_hash is the hash of the empty byte string.
	return manifest, nil
}

// ErrContiguityViolation is returned by Reassemble when a manifest's
// segments are out of order, have gaps, or overlap.
type ErrContiguityViolation struct {
	Index int
	Want  int
}

func (e *ErrContiguityViolation) Error() string {
	return fmt.Sprintf("distfs: segment index %d is out of sequence (expected %d)", e.Index, e.Want)
}

// Reassemble fetches every segment referenced by manifest from store, in
// order, verifying strict index contiguity (0..N-1, no gaps or
// duplicates) and that the reassembled blob's hash matches total_hash.
func Reassemble(store *cas.Store, manifest SnapshotManifest) ([]byte, error) {
	if err := verifyManifestIntegrity(manifest); err != nil {
		return nil, err
	}
	out := make([]byte, 0, manifest.TotalSize)
	for i, seg := range manifest.Segments {
		if seg.Index != i {
			return nil, &ErrContiguityViolation{Index: seg.Index, Want: i}
		}
		chunk, err := store.GetVerified(seg.ContentHash)
		if err != nil {
			return nil, fmt.Errorf("distfs: fetch segment %d (%s): %w", i, seg.ContentHash, err)
		}
		if len(chunk) != seg.Size {
			return nil, fmt.Errorf("distfs: segment %d size mismatch: manifest says %d, got %d", i, seg.Size, len(chunk))
		}
		out = append(out, chunk...)
	}
	if got := crypto.BLAKE3Hex(out); got != manifest.TotalHash {
		return nil, fmt.Errorf("distfs: reassembled blob hash mismatch: expected %s, got %s", manifest.TotalHash, got)
	}
	return out, nil
}

// verifyManifestIntegrity re-derives total_size from the segment sizes,
// catching a manifest whose segments were tampered with before total_hash
// verification would even run.
func verifyManifestIntegrity(manifest SnapshotManifest) error {
	var sum int64
	for _, s := range manifest.Segments {
		sum += int64(s.Size)
	}
	if sum != manifest.TotalSize {
		return fmt.Errorf("distfs: manifest total_size %d does not match sum of segment sizes %d", manifest.TotalSize, sum)
	}
	return nil
}
