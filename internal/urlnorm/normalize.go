// Package urlnorm canonicalizes URLs and classifies hosts against
// quality/blacklist/stub pattern sets.
//
// Canonicalize is pure, deterministic, and idempotent:
// Canonicalize(Canonicalize(u)) == Canonicalize(u).
package urlnorm

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// droppedQueryPrefixes and droppedQueryKeys name the tracking parameters
// stripped from every URL (§4.1 step 7).
var (
	droppedQueryPrefixes = []string{"utm_"}
	droppedQueryKeys     = map[string]struct{}{
		"fbclid": {},
		"gclid":  {},
		"mc_eid": {},
		"ref":    {},
		"source": {},
	}
)

// Canonicalize applies the §4.1 normalization pipeline to raw, returning the
// canonical URL string. It never fails on scheme reachability — only on
// parse failure or a non-absolute URL.
func Canonicalize(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("url is not absolute: %q", raw)
	}

	u.Scheme = "https"
	port := u.Port()
	u.Host = stripWWW(strings.ToLower(u.Hostname()))
	if port != "" && port != "443" {
		u.Host = u.Host + ":" + port
	}

	u.Path = normalizePath(u.Path)
	u.Fragment = ""
	u.RawFragment = ""

	u.RawQuery = normalizeQuery(u.RawQuery)
	u.ForceQuery = false

	return u.String(), nil
}

func stripWWW(host string) string {
	return strings.TrimPrefix(host, "www.")
}

// normalizePath resolves "." and ".." segments, collapses duplicate
// slashes, and strips a trailing slash except for the bare root.
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}

	segments := strings.Split(p, "/")
	var resolved []string
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(resolved) > 0 {
				resolved = resolved[:len(resolved)-1]
			}
		default:
			resolved = append(resolved, seg)
		}
	}

	if len(resolved) == 0 {
		return "/"
	}
	return "/" + strings.Join(resolved, "/")
}

// normalizeQuery drops tracking keys and sorts the remainder by (key,
// value), returning "" when nothing survives (§4.1 steps 7-9).
func normalizeQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return ""
	}

	type pair struct{ k, v string }
	var pairs []pair
	for k, vs := range values {
		if isDroppedQueryKey(k) {
			continue
		}
		for _, v := range vs {
			pairs = append(pairs, pair{k, v})
		}
	}
	if len(pairs) == 0 {
		return ""
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})

	var b strings.Builder
	first := true
	for _, p := range pairs {
		if !first {
			b.WriteByte('&')
		}
		first = false
		b.WriteString(url.QueryEscape(p.k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.v))
	}
	return b.String()
}

func isDroppedQueryKey(key string) bool {
	lower := strings.ToLower(key)
	if _, ok := droppedQueryKeys[lower]; ok {
		return true
	}
	for _, prefix := range droppedQueryPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// Resolve resolves ref (absolute or relative) against base, returning the
// resulting absolute URL string uncanonicalized. Callers that need the
// canonical form should pass the result through Canonicalize.
func Resolve(base, ref string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse reference url: %w", err)
	}
	resolved := baseURL.ResolveReference(refURL)
	if !resolved.IsAbs() {
		return "", fmt.Errorf("could not resolve %q against %q to an absolute url", ref, base)
	}
	return resolved.String(), nil
}

// Host returns the lowercased, www-stripped host of raw without requiring a
// full canonicalization — used when only the host is needed (e.g.
// classification before the URL is otherwise touched).
func Host(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url has no host: %q", raw)
	}
	return stripWWW(strings.ToLower(u.Hostname())), nil
}
