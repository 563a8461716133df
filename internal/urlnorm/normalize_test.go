package urlnorm

import "testing"

func TestCanonicalize(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases host", "https://WWW.Example.COM/Foo", "https://example.com/Foo"},
		{"strips www", "https://www.example.com/", "https://example.com/"},
		{"forces https", "http://example.com/foo", "https://example.com/foo"},
		{"strips trailing slash", "https://example.com/foo/", "https://example.com/foo"},
		{"keeps bare root", "https://example.com/", "https://example.com/"},
		{"empty path becomes root", "https://example.com", "https://example.com/"},
		{"drops fragment", "https://example.com/foo#section", "https://example.com/foo"},
		{"drops utm params", "https://example.com/foo?utm_source=x&a=1", "https://example.com/foo?a=1"},
		{"drops tracking keys", "https://example.com/foo?fbclid=1&ref=x&a=1", "https://example.com/foo?a=1"},
		{"sorts remaining query", "https://example.com/foo?b=2&a=1", "https://example.com/foo?a=1&b=2"},
		{"drops empty query marker", "https://example.com/foo?utm_source=x", "https://example.com/foo"},
		{"resolves dot segments", "https://example.com/a/../b", "https://example.com/b"},
		{"collapses duplicate slashes", "https://example.com/a//b", "https://example.com/a/b"},
		{"preserves path case", "https://example.com/Foo/BAR", "https://example.com/Foo/BAR"},
		{"strips default https port", "https://example.com:443/foo", "https://example.com/foo"},
		{"keeps non-default port", "https://example.com:8443/foo", "https://example.com:8443/foo"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Canonicalize(tc.in)
			if err != nil {
				t.Fatalf("Canonicalize(%q) returned error: %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("Canonicalize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestCanonicalizeIdempotent(t *testing.T) {
	inputs := []string{
		"http://WWW.Example.com/Foo/?utm_source=x&b=2&a=1#frag",
		"https://example.com",
		"https://example.com/a/../b/",
	}
	for _, in := range inputs {
		once, err := Canonicalize(in)
		if err != nil {
			t.Fatalf("Canonicalize(%q): %v", in, err)
		}
		twice, err := Canonicalize(once)
		if err != nil {
			t.Fatalf("Canonicalize(%q): %v", once, err)
		}
		if once != twice {
			t.Errorf("not idempotent: Canonicalize(%q) = %q, Canonicalize(that) = %q", in, once, twice)
		}
	}
}

func TestCanonicalizeRejectsInvalid(t *testing.T) {
	cases := []string{"not a url", "/relative/path", "ftp:// bad host"}
	for _, in := range cases {
		if _, err := Canonicalize(in); err == nil {
			t.Errorf("Canonicalize(%q) expected error, got nil", in)
		}
	}
}
