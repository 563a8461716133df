// Package harvest is the Link Harvester (§4.7): it parses a fetched HTML
// document and returns the deduplicated, normalised set of target URLs a
// page links to, grounded in the goquery usage of the content extractor
// this module's fetch pipeline descends from.
package harvest

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jonesrussell/sumi-ripple/internal/urlnorm"
)

// excludedSchemes lists URI schemes that are never followed (§4.7).
var excludedSchemes = map[string]bool{
	"javascript:": true,
	"mailto:":     true,
	"tel:":        true,
	"data:":       true,
}

// Links parses body as HTML relative to baseURL (the document's final,
// post-redirect URL) and returns the deduplicated, normalised sequence of
// target URLs found via <a href> and <link rel="canonical"> (§4.7).
// rel="nofollow" anchors are included by explicit policy.
func Links(baseURL string, body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	seen := make(map[string]bool)
	var targets []string

	add := func(href string) {
		href = strings.TrimSpace(href)
		if href == "" || hasExcludedScheme(href) {
			return
		}
		resolved, err := resolveAndNormalize(baseURL, href)
		if err != nil || seen[resolved] {
			return
		}
		seen[resolved] = true
		targets = append(targets, resolved)
	}

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if _, hasDownload := s.Attr("download"); hasDownload {
			return
		}
		href, _ := s.Attr("href")
		add(href)
	})

	doc.Find("link[rel='canonical'][href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		add(href)
	})

	return targets, nil
}

func hasExcludedScheme(href string) bool {
	lower := strings.ToLower(href)
	for scheme := range excludedSchemes {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}

func resolveAndNormalize(baseURL, href string) (string, error) {
	base, err := urlnorm.Resolve(baseURL, href)
	if err != nil {
		return "", err
	}
	return urlnorm.Canonicalize(base)
}
