package main

import (
	"fmt"
	"testing"
)

func TestSeenKeys_DeduplicatesWithinWindow(t *testing.T) {
	s := newSeenKeys(8)

	if s.Seen("slot-a") {
		t.Fatal("first sighting reported as seen")
	}
	if !s.Seen("slot-a") {
		t.Fatal("second sighting not reported as seen")
	}
}

func TestSeenKeys_EvictsOldestAtLimit(t *testing.T) {
	s := newSeenKeys(3)

	for i := 0; i < 3; i++ {
		s.Seen(fmt.Sprintf("slot-%d", i))
	}
	// slot-3 pushes slot-0 out.
	if s.Seen("slot-3") {
		t.Fatal("new key reported as seen")
	}
	if s.Seen("slot-0") {
		t.Fatal("evicted key still reported as seen")
	}
	if !s.Seen("slot-3") {
		t.Fatal("retained key not reported as seen")
	}
	if len(s.keys) != 3 {
		t.Fatalf("map holds %d keys, want the limit of 3", len(s.keys))
	}
}

func TestSeenKeys_BoundedUnderChurn(t *testing.T) {
	s := newSeenKeys(16)

	for i := 0; i < 10000; i++ {
		s.Seen(fmt.Sprintf("slot-%d", i))
	}
	if len(s.keys) != 16 || len(s.order) != 16 {
		t.Fatalf("window size = %d/%d, want 16", len(s.keys), len(s.order))
	}
}
