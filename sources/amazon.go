package sources

import (
	"context"
	"net/url"
	"regexp"

	"github.com/4liaghaie/scraper-dashboard/catalog"
	"github.com/4liaghaie/scraper-dashboard/fetch"
)

var (
	bylineBrand  = regexp.MustCompile(`(?i)^\s*Brand:\s*`)
	bylineVisit  = regexp.MustCompile(`(?i)^\s*Visit\s+the\s+`)
	bylineSuffix = regexp.MustCompile(`(?i)\s+Store\s*$`)
)

// ParseStore finds the storefront on a marketplace product page: the brand
// byline first, then the seller profile link. Links resolve against the
// page's scheme and host.
func ParseStore(body []byte, pageURL string) (name, storeURL string) {
	doc, err := parseDocument(body, pageURL)
	if err != nil {
		return "", ""
	}
	if u, err := url.Parse(pageURL); err == nil {
		doc.base = &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}
	}

	if a := doc.find(byID("bylineInfo")); a != nil && attr(a, "href") != "" {
		name = text(a)
		name = bylineBrand.ReplaceAllString(name, "")
		name = bylineVisit.ReplaceAllString(name, "")
		name = bylineSuffix.ReplaceAllString(name, "")
		return cleanText(name), doc.resolve(attr(a, "href"))
	}
	if a := doc.find(byID("sellerProfileTriggerId")); a != nil && attr(a, "href") != "" {
		return text(a), doc.resolve(attr(a, "href"))
	}
	return "", ""
}

// StoreLookup resolves storefronts of marketplace product pages. Targets
// are marketplace URLs; payloads carry the store name and URL keyed by
// that marketplace URL.
type StoreLookup struct {
	Worker *fetch.Worker
}

// ExtractStore is a fetch.Extractor for marketplace pages
func ExtractStore(target string, resp *fetch.Response) (catalog.StoreFields, bool) {
	pageURL := resp.FinalURL
	if pageURL == "" {
		pageURL = target
	}
	name, storeURL := ParseStore(resp.Body, pageURL)
	return catalog.StoreFields{URL: target, Name: name, StoreURL: storeURL}, name != "" || storeURL != ""
}

// Lookup fetches every marketplace URL and parses its storefront
func (l *StoreLookup) Lookup(ctx context.Context, amazonURLs []string) *fetch.Batch[catalog.StoreFields] {
	return fetch.Run(ctx, l.Worker, amazonURLs, ExtractStore)
}
