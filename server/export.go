package server

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"time"

	"github.com/4liaghaie/scraper-dashboard/catalog"
	"github.com/4liaghaie/scraper-dashboard/errors"
	"github.com/4liaghaie/scraper-dashboard/logger"
)

var exportHeader = []string{
	"site", "product_url", "type", "title", "price", "image_url", "description",
	"category", "amazon_url", "amazon_store_url", "amazon_store_name", "external_id",
	"first_seen_at", "last_seen_at",
}

// HandleExportProducts streams products as CSV:
// GET /exports/products.csv?site=&since=&until=. since and until filter on
// last_seen_at and take a date (YYYY-MM-DD) or an RFC3339 time. A date
// until covers that whole day.
func (s *Server) HandleExportProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := catalog.ExportFilter{Site: q.Get("site")}

	since, err := parseBound(q.Get("since"), false)
	if err != nil {
		handleError(w, s.logger, err, "")
		return
	}
	until, err := parseBound(q.Get("until"), true)
	if err != nil {
		handleError(w, s.logger, err, "")
		return
	}
	filter.SeenSince, filter.SeenUntil = since, until

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="products.csv"`)
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return
	}

	rows := 0
	err = s.catalog.ExportEach(r.Context(), filter, func(p *catalog.Product) error {
		rows++
		return cw.Write(productRecord(p))
	})
	cw.Flush()
	if err == nil {
		err = cw.Error()
	}
	log := logger.FromContext(r.Context(), s.logger)
	if err != nil {
		// headers are gone, the truncated body is all the client gets
		log.Warnw("Export aborted", logger.FieldCount, rows, logger.FieldError, err)
		return
	}
	log.Infow("Export served", logger.FieldSite, filter.Site, logger.FieldCount, rows)
}

func productRecord(p *catalog.Product) []string {
	price := ""
	if p.Price != nil {
		price = strconv.FormatFloat(*p.Price, 'f', 2, 64)
	}
	return []string{
		p.Site, p.ProductURL, p.Type, p.Title, price, p.ImageURL, p.Description,
		p.Category, p.AmazonURL, p.AmazonStoreURL, p.AmazonStoreName, p.ExternalID,
		p.FirstSeenAt.UTC().Format(time.RFC3339), p.LastSeenAt.UTC().Format(time.RFC3339),
	}
}

// parseBound parses a since/until value. endOfDay moves a bare date to the
// start of the next day, for use as an exclusive upper bound.
func parseBound(raw string, endOfDay bool) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, errors.NewInvalidRequestError("invalid time %q, want YYYY-MM-DD or RFC3339", raw)
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1)
	}
	return &t, nil
}
