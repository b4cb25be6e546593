package channels

import "testing"

func TestDedupCacheDropsRepeats(t *testing.T) {
	d := NewDedupCache()
	if d.SeenBefore("a") {
		t.Fatal("first sighting of a should not be seen before")
	}
	if !d.SeenBefore("a") {
		t.Fatal("second sighting of a should be seen before")
	}
	if d.SeenBefore("b") {
		t.Fatal("first sighting of b should not be seen before")
	}
}

func TestDedupCacheBoundedByCount(t *testing.T) {
	d := NewDedupCache()
	for i := 0; i < dedupMaxEntries+50; i++ {
		d.SeenBefore(string(rune(i)))
	}
	if len(d.seen) > dedupMaxEntries {
		t.Fatalf("cache grew to %d entries, want <= %d", len(d.seen), dedupMaxEntries)
	}
}
