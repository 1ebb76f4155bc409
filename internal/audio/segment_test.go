package audio

import (
	"bytes"
	"errors"
	"testing"
)

func TestSegmentBufferAssemblesInIndexOrder(t *testing.T) {
	b := NewSegmentBuffer(DuplicateReject)

	// Arrival order differs from index order.
	for _, idx := range []int{2, 0, 1} {
		if _, err := b.Add(idx, []byte{byte(idx), byte(idx)}); err != nil {
			t.Fatalf("Add(%d) failed: %v", idx, err)
		}
	}

	pcm, err := b.Take().Assemble()
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	expected := []byte{0, 0, 1, 1, 2, 2}
	if !bytes.Equal(pcm, expected) {
		t.Errorf("Expected %v, got %v", expected, pcm)
	}
}

func TestSegmentBufferGapsAreSkipped(t *testing.T) {
	b := NewSegmentBuffer(DuplicateReject)
	b.Add(0, []byte{0xAA, 0xAA})
	b.Add(3, []byte{0xBB, 0xBB})
	b.Add(5, []byte{0xCC, 0xCC})

	pcm, err := b.Take().Assemble()

	var asmErr *AssemblyError
	if !errors.As(err, &asmErr) {
		t.Fatalf("Expected AssemblyError, got %v", err)
	}
	expectedMissing := []int{1, 2, 4}
	if len(asmErr.Missing) != len(expectedMissing) {
		t.Fatalf("Expected missing %v, got %v", expectedMissing, asmErr.Missing)
	}
	for i := range expectedMissing {
		if asmErr.Missing[i] != expectedMissing[i] {
			t.Errorf("Expected missing %v, got %v", expectedMissing, asmErr.Missing)
			break
		}
	}

	expected := []byte{0xAA, 0xAA, 0xBB, 0xBB, 0xCC, 0xCC}
	if !bytes.Equal(pcm, expected) {
		t.Errorf("Expected %v, got %v", expected, pcm)
	}
}

func TestSegmentBufferLeadingGap(t *testing.T) {
	b := NewSegmentBuffer(DuplicateReject)
	b.Add(2, []byte{1, 2})

	_, err := b.Take().Assemble()
	var asmErr *AssemblyError
	if !errors.As(err, &asmErr) {
		t.Fatalf("Expected AssemblyError, got %v", err)
	}
	if len(asmErr.Missing) != 2 || asmErr.Missing[0] != 0 || asmErr.Missing[1] != 1 {
		t.Errorf("Expected missing [0 1], got %v", asmErr.Missing)
	}
}

func TestSegmentBufferOverwriteLastWriteWins(t *testing.T) {
	b := NewSegmentBuffer(DuplicateOverwrite)

	if res, _ := b.Add(0, []byte{1, 1}); res != Stored {
		t.Errorf("Expected Stored, got %v", res)
	}
	res, err := b.Add(0, []byte{2, 2, 2, 2})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if res != Overwritten {
		t.Errorf("Expected Overwritten, got %v", res)
	}
	if b.Size() != 4 {
		t.Errorf("Expected size 4 after overwrite, got %d", b.Size())
	}
	if b.GetStats().Duplicates != 1 {
		t.Errorf("Expected 1 duplicate, got %d", b.GetStats().Duplicates)
	}

	pcm, err := b.Take().Assemble()
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if !bytes.Equal(pcm, []byte{2, 2, 2, 2}) {
		t.Errorf("Expected last write to win, got %v", pcm)
	}
}

func TestSegmentBufferRejectPolicy(t *testing.T) {
	b := NewSegmentBuffer(DuplicateReject)
	b.Add(0, []byte{1, 1})

	if _, err := b.Add(0, []byte{2, 2}); !errors.Is(err, ErrDuplicateChunk) {
		t.Errorf("Expected ErrDuplicateChunk, got %v", err)
	}

	res, err := b.Add(0, []byte{1, 1})
	if err != nil {
		t.Errorf("Expected identical resubmission accepted, got %v", err)
	}
	if res != Unchanged {
		t.Errorf("Expected Unchanged, got %v", res)
	}

	pcm, _ := b.Take().Assemble()
	if !bytes.Equal(pcm, []byte{1, 1}) {
		t.Errorf("Expected first write kept, got %v", pcm)
	}
}

func TestSegmentBufferIgnoresEmptyData(t *testing.T) {
	b := NewSegmentBuffer(DuplicateReject)
	res, err := b.Add(0, nil)
	if err != nil || res != Ignored {
		t.Errorf("Expected empty data ignored, got %v, %v", res, err)
	}
	if b.Len() != 0 {
		t.Errorf("Expected no stored chunks, got %d", b.Len())
	}
	if _, err := b.Take().Assemble(); !errors.Is(err, ErrNoChunks) {
		t.Errorf("Expected ErrNoChunks, got %v", err)
	}
}

func TestSegmentBufferNegativeIndex(t *testing.T) {
	b := NewSegmentBuffer(DuplicateReject)
	if _, err := b.Add(-1, []byte{1, 2}); err == nil {
		t.Error("Expected error for negative index")
	}
}

func TestSegmentBufferTakeClears(t *testing.T) {
	b := NewSegmentBuffer(DuplicateReject)
	b.Add(0, []byte{1, 2})
	b.Add(1, []byte{3, 4})

	snap := b.Take()
	if snap.Len() != 2 {
		t.Errorf("Expected snapshot of 2 chunks, got %d", snap.Len())
	}
	if b.Len() != 0 || b.Size() != 0 {
		t.Errorf("Expected buffer cleared after Take, got %d chunks, %d bytes", b.Len(), b.Size())
	}

	// New writes do not leak into the earlier snapshot.
	b.Add(0, []byte{9, 9})
	pcm, err := snap.Assemble()
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if !bytes.Equal(pcm, []byte{1, 2, 3, 4}) {
		t.Errorf("Expected snapshot unaffected by later writes, got %v", pcm)
	}
}

func TestSegmentBufferCopiesInput(t *testing.T) {
	b := NewSegmentBuffer(DuplicateReject)
	data := []byte{1, 2}
	b.Add(0, data)
	data[0] = 9

	pcm, _ := b.Take().Assemble()
	if pcm[0] != 1 {
		t.Error("Expected buffer to hold its own copy of the data")
	}
}

func TestNewSegmentBufferUnknownPolicy(t *testing.T) {
	b := NewSegmentBuffer("bogus")
	b.Add(0, []byte{1, 1})
	if _, err := b.Add(0, []byte{2, 2}); !errors.Is(err, ErrDuplicateChunk) {
		t.Errorf("Expected reject behaviour for unknown policy, got %v", err)
	}
}
