package catalog

import (
	"context"
	"database/sql"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/4liaghaie/scraper-dashboard/db"
	"github.com/4liaghaie/scraper-dashboard/errors"
	"github.com/4liaghaie/scraper-dashboard/logger"
)

// EntityKind describes one upsert shape: its starting batch cap and the
// optional columns rows of that kind may carry.
type EntityKind struct {
	Name    string
	Cap     int
	Columns []string
	// UpdateOnly rows never insert; unknown product URLs are ignored
	UpdateOnly bool
}

var (
	KindURL    = EntityKind{Name: "url", Cap: 800, Columns: []string{"type"}}
	KindItem   = EntityKind{Name: "item", Cap: 500, Columns: []string{"type", "category", "title", "price"}}
	KindDetail = EntityKind{Name: "detail", Cap: 400, Columns: []string{
		"title", "price", "image_url", "description", "category",
		"amazon_url", "amazon_store_name", "amazon_store_url", "external_id",
	}}
	KindStore = EntityKind{Name: "store", Cap: 400, Columns: []string{"amazon_store_name", "amazon_store_url"}, UpdateOnly: true}
)

// numericColumns are coalesced without the empty-string guard
var numericColumns = map[string]bool{"price": true}

// timestamp columns written with every inserted row
var rowTimestamps = []string{"first_seen_at", "last_seen_at", "created_at", "updated_at"}

// Row is one product to upsert. Fields holds the optional columns present on
// this row; empty strings and nil values are treated as absent.
type Row struct {
	SiteID int64
	URL    string
	Fields map[string]interface{}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Persister writes product rows in batches sized to the engine's bound
// parameter limit. When the engine still rejects a statement for carrying
// too many parameters, the batch is halved and retried.
type Persister struct {
	store  *Store
	exec   execer
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewPersister creates a persister writing through the store's database
func NewPersister(store *Store, log *zap.SugaredLogger) *Persister {
	return &Persister{
		store:  store,
		exec:   store.db,
		logger: logger.Nop(log),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Upsert writes rows of one kind and returns the summed RowsAffected.
//
// Rows are deduped by URL (later non-empty fields fill blanks), grouped by
// the set of fields they carry so every statement is homogeneous, then
// written in chunks. The starting chunk is the kind's cap, lowered on
// engines with a small variable budget. Only parameter-limit errors shrink
// the chunk; any other error, or a limit error at size 1, is returned.
func (p *Persister) Upsert(ctx context.Context, kind EntityKind, rows []Row) (int64, error) {
	rows = dedupeRows(kind, rows)
	if len(rows) == 0 {
		return 0, nil
	}

	var affected int64
	for _, group := range groupByFieldSet(rows) {
		n, err := p.upsertGroup(ctx, kind, group.columns, group.rows)
		affected += n
		if err != nil {
			return affected, errors.WithDetailf(err, "Kind: %s, Columns: %s", kind.Name, strings.Join(group.columns, ","))
		}
	}
	return affected, nil
}

func (p *Persister) upsertGroup(ctx context.Context, kind EntityKind, columns []string, rows []Row) (int64, error) {
	size := p.startSize(kind, columns)
	var affected int64

	for i := 0; i < len(rows); {
		if err := ctx.Err(); err != nil {
			return affected, err
		}
		end := min(i+size, len(rows))
		n, err := p.execChunk(ctx, kind, columns, rows[i:end])
		if err != nil {
			if chunk := end - i; db.IsParameterLimit(err) && chunk > 1 {
				size = max(1, chunk/2)
				p.logger.Debugw("Shrinking upsert batch",
					logger.FieldKind, kind.Name,
					logger.FieldBatchSize, size)
				continue
			}
			return affected, err
		}
		affected += n
		i = end
	}
	return affected, nil
}

// startSize is the kind's cap, bounded by the dialect's variable budget
func (p *Persister) startSize(kind EntityKind, columns []string) int {
	perRow, fixed := paramsPerRow(kind, columns)
	budget := p.store.db.Dialect.MaxVariables() - fixed
	return min(kind.Cap, max(1, budget/perRow))
}

func paramsPerRow(kind EntityKind, columns []string) (perRow, fixed int) {
	if kind.UpdateOnly {
		return 1 + len(columns), 2
	}
	return 2 + len(columns) + len(rowTimestamps), 0
}

func (p *Persister) execChunk(ctx context.Context, kind EntityKind, columns []string, rows []Row) (int64, error) {
	var query string
	var args []interface{}
	if kind.UpdateOnly {
		query, args = p.buildUpdate(columns, rows)
	} else {
		query, args = p.buildUpsert(columns, rows)
	}

	res, err := p.exec.ExecContext(ctx, p.store.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	return n, nil
}

// buildUpsert renders
//
//	INSERT INTO products (...) VALUES (...), ...
//	ON CONFLICT (product_url) DO UPDATE SET col = COALESCE(NULLIF(excluded.col, ''), products.col), ...
func (p *Persister) buildUpsert(columns []string, rows []Row) (string, []interface{}) {
	now := p.now()
	insertCols := append(append([]string{"site_id", "product_url"}, columns...), rowTimestamps...)
	tuple := "(" + db.Placeholders(len(insertCols)) + ")"

	var b strings.Builder
	b.WriteString("INSERT INTO products (")
	b.WriteString(strings.Join(insertCols, ", "))
	b.WriteString(") VALUES ")

	args := make([]interface{}, 0, len(rows)*len(insertCols))
	for i, r := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(tuple)
		args = append(args, r.SiteID, r.URL)
		for _, c := range columns {
			args = append(args, r.Fields[c])
		}
		args = append(args, now, now, now, now)
	}

	b.WriteString(" ON CONFLICT (product_url) DO UPDATE SET site_id = excluded.site_id")
	for _, c := range columns {
		b.WriteString(", ")
		b.WriteString(coalesceSet(c, "excluded."+c))
	}
	b.WriteString(", last_seen_at = excluded.last_seen_at, updated_at = excluded.updated_at")
	return b.String(), args
}

// buildUpdate renders an UPDATE ... FROM (VALUES ...) touching existing rows only.
// VALUES columns are addressed positionally (column1 is the URL).
func (p *Persister) buildUpdate(columns []string, rows []Row) (string, []interface{}) {
	now := p.now()

	var b strings.Builder
	b.WriteString("UPDATE products SET ")
	for i, c := range columns {
		b.WriteString(coalesceSet(c, "v.column"+strconv.Itoa(i+2)))
		b.WriteString(", ")
	}
	b.WriteString("last_seen_at = ?, updated_at = ? FROM (VALUES ")

	args := make([]interface{}, 0, 2+len(rows)*(1+len(columns)))
	args = append(args, now, now)
	tuple := "(" + db.Placeholders(1+len(columns)) + ")"
	for i, r := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(tuple)
		args = append(args, r.URL)
		for _, c := range columns {
			args = append(args, r.Fields[c])
		}
	}
	b.WriteString(") AS v WHERE products.product_url = v.column1")
	return b.String(), args
}

func coalesceSet(column, incoming string) string {
	if numericColumns[column] {
		return column + " = COALESCE(" + incoming + ", products." + column + ")"
	}
	return column + " = COALESCE(NULLIF(" + incoming + ", ''), products." + column + ")"
}

type rowGroup struct {
	columns []string
	rows    []Row
}

// groupByFieldSet buckets rows by the sorted set of fields they carry,
// keeping first-seen order of both groups and rows
func groupByFieldSet(rows []Row) []rowGroup {
	index := make(map[string]int)
	var groups []rowGroup
	for _, r := range rows {
		cols := presentColumns(r)
		key := strings.Join(cols, ",")
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, rowGroup{columns: cols})
		}
		groups[i].rows = append(groups[i].rows, r)
	}
	return groups
}

func presentColumns(r Row) []string {
	cols := make([]string, 0, len(r.Fields))
	for c, v := range r.Fields {
		if present(v) {
			cols = append(cols, c)
		}
	}
	sort.Strings(cols)
	return cols
}

func present(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(x) != ""
	case *float64:
		return x != nil
	}
	return true
}

// dedupeRows normalizes URLs, drops columns the kind does not know and merges
// duplicate URLs: a later non-empty field fills a blank one. A chunk must
// never hold the same URL twice or the conflict clause would touch a row
// twice in one statement.
func dedupeRows(kind EntityKind, rows []Row) []Row {
	allowed := make(map[string]bool, len(kind.Columns))
	for _, c := range kind.Columns {
		allowed[c] = true
	}

	index := make(map[string]int, len(rows))
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		url := NormalizeURL(r.URL)
		if url == "" {
			continue
		}
		fields := make(map[string]interface{}, len(r.Fields))
		for c, v := range r.Fields {
			if !allowed[c] || !present(v) {
				continue
			}
			if p, ok := v.(*float64); ok {
				v = *p
			}
			fields[c] = v
		}

		if i, seen := index[url]; seen {
			for c, v := range fields {
				if _, has := out[i].Fields[c]; !has {
					out[i].Fields[c] = v
				}
			}
			continue
		}
		index[url] = len(out)
		out = append(out, Row{SiteID: r.SiteID, URL: url, Fields: fields})
	}
	return out
}

// UpsertURLs records bare product URLs of a site with an optional type.
// last_seen_at is refreshed for URLs already stored.
func (p *Persister) UpsertURLs(ctx context.Context, site string, urls []string, productType string) (int64, error) {
	siteID, err := p.store.SiteID(ctx, site)
	if err != nil {
		return 0, err
	}
	rows := make([]Row, 0, len(urls))
	for _, u := range urls {
		rows = append(rows, Row{SiteID: siteID, URL: u, Fields: map[string]interface{}{"type": productType}})
	}
	return p.Upsert(ctx, KindURL, rows)
}

// UpsertItems records listing items of a site
func (p *Persister) UpsertItems(ctx context.Context, site string, items []Item) (int64, error) {
	siteID, err := p.store.SiteID(ctx, site)
	if err != nil {
		return 0, err
	}
	rows := make([]Row, 0, len(items))
	for _, it := range items {
		rows = append(rows, Row{SiteID: siteID, URL: it.URL, Fields: map[string]interface{}{
			"type":     it.Type,
			"category": it.Category,
			"title":    it.Title,
			"price":    it.Price,
		}})
	}
	return p.Upsert(ctx, KindItem, rows)
}

// UpsertDetails records product page details of a site
func (p *Persister) UpsertDetails(ctx context.Context, site string, details []Detail) (int64, error) {
	siteID, err := p.store.SiteID(ctx, site)
	if err != nil {
		return 0, err
	}
	rows := make([]Row, 0, len(details))
	for _, d := range details {
		rows = append(rows, Row{SiteID: siteID, URL: d.URL, Fields: map[string]interface{}{
			"title":             d.Title,
			"price":             d.Price,
			"image_url":         d.ImageURL,
			"description":       d.Description,
			"category":          d.Category,
			"amazon_url":        d.AmazonURL,
			"amazon_store_name": d.AmazonStoreName,
			"amazon_store_url":  d.AmazonStoreURL,
			"external_id":       d.ExternalID,
		}})
	}
	return p.Upsert(ctx, KindDetail, rows)
}

// UpsertStoreFields updates storefront columns of products already stored.
// Unknown product URLs are ignored.
func (p *Persister) UpsertStoreFields(ctx context.Context, stores []StoreFields) (int64, error) {
	rows := make([]Row, 0, len(stores))
	for _, s := range stores {
		rows = append(rows, Row{URL: s.URL, Fields: map[string]interface{}{
			"amazon_store_name": s.Name,
			"amazon_store_url":  s.StoreURL,
		}})
	}
	return p.Upsert(ctx, KindStore, rows)
}
