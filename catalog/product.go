// Package catalog stores scraped products and persists them in adaptive
// batches.
//
// product_url is the only natural key. Every optional column is coalesced on
// conflict: an incoming empty value never erases what is stored, an incoming
// non-empty value wins.
package catalog

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Item is what a listing page yields for one product link
type Item struct {
	URL      string   `json:"url"`
	Type     string   `json:"type,omitempty"`
	Category string   `json:"category,omitempty"`
	Title    string   `json:"title,omitempty"`
	Price    *float64 `json:"price,omitempty"`
}

// Detail is what a product page yields
type Detail struct {
	URL             string   `json:"url"`
	Title           string   `json:"title,omitempty"`
	Description     string   `json:"description,omitempty"`
	ImageURL        string   `json:"image_url,omitempty"`
	Category        string   `json:"category,omitempty"`
	AmazonURL       string   `json:"amazon_url,omitempty"`
	AmazonStoreName string   `json:"amazon_store_name,omitempty"`
	AmazonStoreURL  string   `json:"amazon_store_url,omitempty"`
	ExternalID      string   `json:"external_id,omitempty"`
	Price           *float64 `json:"price,omitempty"`
}

// Empty reports whether the detail carries nothing beyond its URL
func (d Detail) Empty() bool {
	return d.Title == "" && d.Description == "" && d.ImageURL == "" &&
		d.Category == "" && d.AmazonURL == "" && d.AmazonStoreName == "" &&
		d.AmazonStoreURL == "" && d.ExternalID == "" && d.Price == nil
}

// StoreFields is the marketplace storefront found for a product
type StoreFields struct {
	URL      string `json:"url"`
	Name     string `json:"amazon_store_name,omitempty"`
	StoreURL string `json:"amazon_store_url,omitempty"`
}

// Product is a full products row
type Product struct {
	ID              int64      `json:"id"`
	Site            string     `json:"site"`
	ProductURL      string     `json:"product_url"`
	Type            string     `json:"type,omitempty"`
	Title           string     `json:"title,omitempty"`
	Price           *float64   `json:"price,omitempty"`
	ImageURL        string     `json:"image_url,omitempty"`
	Description     string     `json:"description,omitempty"`
	Category        string     `json:"category,omitempty"`
	AmazonURL       string     `json:"amazon_url,omitempty"`
	AmazonStoreURL  string     `json:"amazon_store_url,omitempty"`
	AmazonStoreName string     `json:"amazon_store_name,omitempty"`
	ExternalID      string     `json:"external_id,omitempty"`
	FirstSeenAt     time.Time  `json:"first_seen_at"`
	LastSeenAt      time.Time  `json:"last_seen_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}

// NormalizeURL trims whitespace and trailing slashes to reduce duplicates
func NormalizeURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}

var priceStrip = regexp.MustCompile(`[^\d.\-]`)

// ParsePrice converts "$1,299.50" into 1299.5. Unparseable input yields nil.
func ParsePrice(raw string) *float64 {
	s := priceStrip.ReplaceAllString(raw, "")
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	v = math.Round(v*100) / 100
	return &v
}

// MergeItems dedupes items by normalized URL in first-seen order. Later
// duplicates only fill fields that are still blank.
func MergeItems(items []Item) []Item {
	index := make(map[string]int, len(items))
	out := make([]Item, 0, len(items))
	for _, it := range items {
		it.URL = NormalizeURL(it.URL)
		if it.URL == "" {
			continue
		}
		i, seen := index[it.URL]
		if !seen {
			index[it.URL] = len(out)
			out = append(out, it)
			continue
		}
		cur := &out[i]
		fillString(&cur.Type, it.Type)
		fillString(&cur.Category, it.Category)
		fillString(&cur.Title, it.Title)
		if cur.Price == nil {
			cur.Price = it.Price
		}
	}
	return out
}

// MergeDetails dedupes details by normalized URL in first-seen order. Later
// duplicates only fill fields that are still blank.
func MergeDetails(details []Detail) []Detail {
	index := make(map[string]int, len(details))
	out := make([]Detail, 0, len(details))
	for _, d := range details {
		d.URL = NormalizeURL(d.URL)
		if d.URL == "" {
			continue
		}
		i, seen := index[d.URL]
		if !seen {
			index[d.URL] = len(out)
			out = append(out, d)
			continue
		}
		cur := &out[i]
		fillString(&cur.Title, d.Title)
		fillString(&cur.Description, d.Description)
		fillString(&cur.ImageURL, d.ImageURL)
		fillString(&cur.Category, d.Category)
		fillString(&cur.AmazonURL, d.AmazonURL)
		fillString(&cur.AmazonStoreName, d.AmazonStoreName)
		fillString(&cur.AmazonStoreURL, d.AmazonStoreURL)
		fillString(&cur.ExternalID, d.ExternalID)
		if cur.Price == nil {
			cur.Price = d.Price
		}
	}
	return out
}

// URLs returns the URLs of items in order
func URLs(items []Item) []string {
	urls := make([]string, len(items))
	for i, it := range items {
		urls[i] = it.URL
	}
	return urls
}

func fillString(dst *string, v string) {
	if *dst == "" {
		*dst = strings.TrimSpace(v)
	}
}
