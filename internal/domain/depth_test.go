package domain

import "testing"

func TestMergeDepthIsMonotone(t *testing.T) {
	if got := MergeDepth(3, 5); got != 3 {
		t.Errorf("MergeDepth(3, 5) = %d, want 3 (larger candidate ignored)", got)
	}
	if got := MergeDepth(3, 1); got != 1 {
		t.Errorf("MergeDepth(3, 1) = %d, want 1 (smaller candidate wins)", got)
	}
	if got := MergeDepth(3, 3); got != 3 {
		t.Errorf("MergeDepth(3, 3) = %d, want 3", got)
	}
}

func TestPropagatedDepth(t *testing.T) {
	if got := PropagatedDepth(0, "q.test", "q.test"); got != 0 {
		t.Errorf("same quality domain: got %d, want 0", got)
	}
	if got := PropagatedDepth(0, "q.test", "sub.q.test"); got != 0 {
		t.Errorf("subdomain of quality domain: got %d, want 0", got)
	}
	if got := PropagatedDepth(0, "q.test", "ext.test"); got != 1 {
		t.Errorf("external host: got %d, want 1", got)
	}
	if got := PropagatedDepth(1, "q.test", "ext.test"); got != 2 {
		t.Errorf("external host at depth 1: got %d, want 2", got)
	}
}
