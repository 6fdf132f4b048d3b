package sources

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/4liaghaie/scraper-dashboard/catalog"
	"github.com/4liaghaie/scraper-dashboard/fetch"
)

var (
	amazonURLPattern = regexp.MustCompile(`(?i)^https?://(?:[a-z0-9-]+\.)*(?:amazon\.[a-z.]+|amzn\.to|a\.co)/`)
	asinPattern      = regexp.MustCompile(`/(?:dp|gp/product|gp/aw/d|product)/([A-Z0-9]{10})(?:[/?]|$)`)
	pricePattern     = regexp.MustCompile(`\$\s?\d[\d,]*(?:\.\d{1,2})?`)
)

// buy buttons carrying the marketplace link, in preference order
var buyLinkClasses = []string{"preview-link", "buy-btn", "buy-now", "get-deal", "go-amazon"}

// IsAmazonURL reports whether u points at the marketplace
func IsAmazonURL(u string) bool {
	return amazonURLPattern.MatchString(strings.TrimSpace(u))
}

// UnwrapAmazonURL returns the marketplace URL behind a redirect link
// carrying it in a url= or u= query parameter, or the link itself
func UnwrapAmazonURL(href string) string {
	href = strings.TrimSpace(href)
	if IsAmazonURL(href) {
		return href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	q := u.Query()
	for _, key := range []string{"url", "u"} {
		if cand := strings.TrimSpace(q.Get(key)); IsAmazonURL(cand) {
			return cand
		}
	}
	return ""
}

// ASIN extracts the product id from a marketplace URL
func ASIN(amazonURL string) string {
	m := asinPattern.FindStringSubmatch(amazonURL)
	if m == nil {
		return ""
	}
	return m[1]
}

// ExtractDetail is a fetch.Extractor reading product pages through
// OpenGraph/meta tags first and the page body second
func ExtractDetail(target string, resp *fetch.Response) (catalog.Detail, bool) {
	d := catalog.Detail{URL: target}
	pageURL := resp.FinalURL
	if pageURL == "" {
		pageURL = target
	}
	doc, err := parseDocument(resp.Body, pageURL)
	if err != nil {
		return d, false
	}

	d.Title = doc.meta("og:title", "twitter:title")
	if d.Title == "" {
		if h := doc.find(byAtom(atom.H1)); h != nil {
			d.Title = text(h)
		}
	}
	if d.Title == "" {
		if t := doc.find(byAtom(atom.Title)); t != nil {
			d.Title = text(t)
		}
	}

	d.Description = doc.meta("og:description", "description", "twitter:description")
	if d.Description == "" {
		if n := doc.find(func(n *html.Node) bool {
			return hasClass(n, "product-description") || hasClass(n, "product-details") || attr(n, "id") == "description"
		}); n != nil {
			d.Description = text(n)
		}
	}

	if img := doc.meta("og:image", "twitter:image"); img != "" {
		d.ImageURL = doc.resolve(img)
	} else if n := doc.find(func(n *html.Node) bool {
		return n.DataAtom == atom.Img && firstSrc(n) != ""
	}); n != nil {
		d.ImageURL = doc.resolve(firstSrc(n))
	}

	d.Category = doc.meta("product:category", "article:section")
	d.Price = extractPrice(doc)
	d.AmazonURL = extractAmazonURL(doc)
	d.ExternalID = ASIN(d.AmazonURL)

	return d, !d.Empty()
}

// firstSrc returns the first image candidate of src, lazy-load or srcset attributes
func firstSrc(n *html.Node) string {
	for _, key := range []string{"src", "data-src", "data-original", "srcset", "data-srcset"} {
		v := strings.TrimSpace(attr(n, key))
		if v == "" || strings.HasPrefix(v, "data:") {
			continue
		}
		if f := strings.Fields(strings.Split(v, ",")[0]); len(f) > 0 {
			return f[0]
		}
	}
	return ""
}

func extractPrice(doc *document) *float64 {
	if p := catalog.ParsePrice(doc.meta("product:price:amount", "og:price:amount", "price")); p != nil {
		return p
	}
	if n := doc.find(func(n *html.Node) bool { return attr(n, "itemprop") == "price" || hasClass(n, "price") }); n != nil {
		if v := attr(n, "content"); v != "" {
			return catalog.ParsePrice(v)
		}
		if m := pricePattern.FindString(text(n)); m != "" {
			return catalog.ParsePrice(m)
		}
	}
	if body := doc.find(byAtom(atom.Body)); body != nil {
		if m := pricePattern.FindString(text(body)); m != "" {
			return catalog.ParsePrice(m)
		}
	}
	return nil
}

func extractAmazonURL(doc *document) string {
	anchors := doc.findAll(byAtom(atom.A))
	for _, class := range buyLinkClasses {
		for _, a := range anchors {
			if !hasClass(a, class) {
				continue
			}
			if u := UnwrapAmazonURL(doc.resolve(attr(a, "href"))); u != "" {
				return u
			}
		}
	}
	for _, a := range anchors {
		if u := UnwrapAmazonURL(doc.resolve(attr(a, "href"))); u != "" {
			return u
		}
	}
	return ""
}

// DetailEnricher fetches product pages of one source
type DetailEnricher struct {
	Site   string
	Worker *fetch.Worker
}

// Enrich fetches and extracts details for urls
func (e *DetailEnricher) Enrich(ctx context.Context, urls []string) *fetch.Batch[catalog.Detail] {
	return fetch.Run(ctx, e.Worker, urls, ExtractDetail)
}
