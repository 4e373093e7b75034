package frame

import (
	"testing"
	"time"
)

func TestDedupeSeenTwice(t *testing.T) {
	d := NewDedupe()
	if d.Seen("k1") {
		t.Fatalf("first sighting should report false")
	}
	if !d.Seen("k1") {
		t.Fatalf("second sighting should report true")
	}
}

func TestDedupeEmptyKeyNeverDuplicate(t *testing.T) {
	d := NewDedupe()
	if d.Seen("") {
		t.Fatalf("empty key should never be flagged as duplicate")
	}
	if d.Seen("") {
		t.Fatalf("empty key should never be flagged as duplicate")
	}
}

func TestDedupeExpiry(t *testing.T) {
	d := NewDedupeWithLimits(10*time.Millisecond, 10)
	d.Seen("k1")
	time.Sleep(20 * time.Millisecond)
	if d.Seen("k1") {
		t.Fatalf("expected k1 to have expired")
	}
}

func TestDedupeEvictsOldestWhenFull(t *testing.T) {
	d := NewDedupeWithLimits(time.Minute, 2)
	d.Seen("a")
	d.Seen("b")
	d.Seen("c") // evicts "a"
	if d.Len() != 2 {
		t.Fatalf("expected len 2, got %d", d.Len())
	}
	if d.Seen("a") {
		t.Fatalf("expected a to have been evicted, treated as new")
	}
}
