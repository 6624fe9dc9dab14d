package delta

import (
	"testing"
)

func TestChecksumIsStableAcrossKeyOrder(t *testing.T) {
	a := map[string]interface{}{"name": "X", "qty": 3, "tags": []string{"a", "b"}}
	b := map[string]interface{}{"tags": []string{"a", "b"}, "qty": 3, "name": "X"}

	ca, cb := Checksum(a), Checksum(b)
	if ca != cb {
		t.Errorf("checksum depends on key order: %s vs %s", ca, cb)
	}
	if len(ca) != 16 {
		t.Errorf("expected 16-char digest, got %d", len(ca))
	}
}

func TestChecksumDiffersForDifferentValues(t *testing.T) {
	if Checksum(map[string]interface{}{"v": 1}) == Checksum(map[string]interface{}{"v": 2}) {
		t.Error("distinct values share a checksum")
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate delta id %s", id)
		}
		seen[id] = true
	}
}

func TestVersionVectorIncrementIsStrictlyIncreasing(t *testing.T) {
	vv := NewVersionVector()
	prev := int64(0)
	for i := 0; i < 10; i++ {
		v := vv.Increment("e/a")
		if v <= prev {
			t.Fatalf("version not strictly increasing: %d after %d", v, prev)
		}
		prev = v
	}
	if vv.Get("e/b") != 0 {
		t.Error("unseen key should be 0")
	}
}

func TestVersionVectorMergeIsElementwiseMax(t *testing.T) {
	vv := NewVersionVector()
	vv.Observe("a", 3)
	vv.Observe("b", 1)

	vv.Merge(map[string]int64{"a": 2, "b": 5, "c": 1})

	snap := vv.Snapshot()
	if snap["a"] != 3 || snap["b"] != 5 || snap["c"] != 1 {
		t.Errorf("bad merge result: %v", snap)
	}
}

func TestConcurrentVectors(t *testing.T) {
	a := map[string]int64{"x": 2, "y": 1}
	b := map[string]int64{"x": 1, "y": 3}
	if !Concurrent(a, b) {
		t.Error("expected concurrent vectors")
	}

	dominated := map[string]int64{"x": 1, "y": 1}
	if Concurrent(a, dominated) {
		t.Error("dominated vector reported concurrent")
	}
	if !Dominates(a, dominated) {
		t.Error("expected a to dominate")
	}
}
