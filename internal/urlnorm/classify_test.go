package urlnorm

import "testing"

func TestClassifierPriority(t *testing.T) {
	c := NewClassifier(
		[]string{"bad.test", "*.evil.test"},
		[]string{"stub.test"},
		[]string{"q.test", "*.quality.test"},
	)

	cases := []struct {
		host      string
		wantClass Classification
		wantOrig  string
	}{
		{"bad.test", Blacklisted, ""},
		{"sub.evil.test", Blacklisted, ""},
		{"stub.test", Stubbed, ""},
		{"q.test", Quality, "q.test"},
		{"sub.quality.test", Quality, "quality.test"},
		{"quality.test", Quality, "quality.test"},
		{"unknown.test", Discovered, ""},
	}

	for _, tc := range cases {
		class, origin := c.Classify(tc.host)
		if class != tc.wantClass {
			t.Errorf("Classify(%q) class = %v, want %v", tc.host, class, tc.wantClass)
		}
		if origin != tc.wantOrig {
			t.Errorf("Classify(%q) origin = %q, want %q", tc.host, origin, tc.wantOrig)
		}
	}
}

func TestClassifierBlacklistBeatsQuality(t *testing.T) {
	// A host matched by both blacklist and quality patterns resolves to
	// Blacklisted, the highest-priority rule (§8 classification-priority invariant).
	c := NewClassifier([]string{"shared.test"}, nil, []string{"shared.test"})
	class, _ := c.Classify("shared.test")
	if class != Blacklisted {
		t.Errorf("Classify(shared.test) = %v, want Blacklisted", class)
	}
}

func TestExactPatternDoesNotMatchSubdomain(t *testing.T) {
	c := NewClassifier(nil, nil, []string{"q.test"})
	class, _ := c.Classify("sub.q.test")
	if class != Discovered {
		t.Errorf("exact pattern matched subdomain: Classify(sub.q.test) = %v, want Discovered", class)
	}
}
