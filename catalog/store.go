package catalog

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/4liaghaie/scraper-dashboard/db"
	"github.com/4liaghaie/scraper-dashboard/errors"
)

// Store reads the products table and resolves site ids
type Store struct {
	db *db.DB

	mu    sync.RWMutex
	sites map[string]int64
}

// NewStore creates a catalog store
func NewStore(d *db.DB) *Store {
	return &Store{db: d, sites: make(map[string]int64)}
}

// DB returns the underlying pool
func (s *Store) DB() *db.DB {
	return s.db
}

// SiteID returns the id of a site, creating the row on first use
func (s *Store) SiteID(ctx context.Context, name string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, errors.NewInvalidRequestError("site name is required")
	}

	s.mu.RLock()
	id, ok := s.sites[name]
	s.mu.RUnlock()
	if ok {
		return id, nil
	}

	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO sites (name) VALUES (?) ON CONFLICT (name) DO NOTHING`), name)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to register site %s", name)
	}
	err = s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT id FROM sites WHERE name = ?`), name).Scan(&id)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to resolve site %s", name)
	}

	s.mu.Lock()
	s.sites[name] = id
	s.mu.Unlock()
	return id, nil
}

// ExistingURLs returns the subset of urls already stored, keyed by
// normalized URL. Lookups are chunked under the dialect's variable budget.
func (s *Store) ExistingURLs(ctx context.Context, urls []string) (map[string]bool, error) {
	seen := make(map[string]bool, len(urls))
	norm := make([]string, 0, len(urls))
	for _, u := range urls {
		u = NormalizeURL(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		norm = append(norm, u)
	}

	existing := make(map[string]bool)
	chunk := min(1000, s.db.Dialect.MaxVariables())
	for start := 0; start < len(norm); start += chunk {
		part := norm[start:min(start+chunk, len(norm))]
		args := make([]interface{}, len(part))
		for i, u := range part {
			args[i] = u
		}

		query := `SELECT product_url FROM products WHERE product_url IN (` + db.Placeholders(len(part)) + `)`
		rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
		if err != nil {
			return nil, errors.Wrap(err, "failed to look up product urls")
		}
		for rows.Next() {
			var u string
			if err := rows.Scan(&u); err != nil {
				rows.Close()
				return nil, errors.Wrap(err, "failed to scan product url")
			}
			existing[u] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, errors.Wrap(err, "error iterating product urls")
		}
	}
	return existing, nil
}

// DetailTargets lists product URLs of a site to fetch details for. With
// missingOnly, only products without a title or amazon link are returned.
func (s *Store) DetailTargets(ctx context.Context, site string, missingOnly bool, limit int) ([]string, error) {
	query := `SELECT p.product_url FROM products p JOIN sites s ON s.id = p.site_id WHERE s.name = ?`
	if missingOnly {
		query += ` AND (p.title IS NULL OR p.title = '' OR p.amazon_url IS NULL OR p.amazon_url = '')`
	}
	return s.targets(ctx, query, limit, site)
}

// StoreTargets lists amazon URLs whose storefront is unknown (or all amazon
// URLs when missingOnly is false), optionally restricted to one site.
// The returned pairs are product URL and amazon URL.
func (s *Store) StoreTargets(ctx context.Context, site string, missingOnly bool, limit int) ([][2]string, error) {
	query := `SELECT p.product_url, p.amazon_url FROM products p JOIN sites s ON s.id = p.site_id
		WHERE p.amazon_url IS NOT NULL AND p.amazon_url <> ''`
	var args []interface{}
	if site != "" {
		query += ` AND s.name = ?`
		args = append(args, site)
	}
	if missingOnly {
		query += ` AND (p.amazon_store_name IS NULL OR p.amazon_store_name = '')`
	}
	query += ` ORDER BY p.id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list store targets")
	}
	defer rows.Close()

	var out [][2]string
	for rows.Next() {
		var pair [2]string
		if err := rows.Scan(&pair[0], &pair[1]); err != nil {
			return nil, errors.Wrap(err, "failed to scan store target")
		}
		out = append(out, pair)
	}
	return out, errors.Wrap(rows.Err(), "error iterating store targets")
}

func (s *Store) targets(ctx context.Context, query string, limit int, args ...interface{}) ([]string, error) {
	query += ` ORDER BY p.id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list targets")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, errors.Wrap(err, "failed to scan target")
		}
		out = append(out, u)
	}
	return out, errors.Wrap(rows.Err(), "error iterating targets")
}

// ExportFilter narrows product listings
type ExportFilter struct {
	Site      string
	SeenSince *time.Time
	SeenUntil *time.Time // exclusive
	Limit     int
}

const productSelectColumns = `p.id, s.name, p.product_url, p.type, p.title, p.price, p.image_url,
	p.description, p.category, p.amazon_url, p.amazon_store_url, p.amazon_store_name,
	p.external_id, p.first_seen_at, p.last_seen_at, p.created_at, p.updated_at`

// ExportEach streams matching products in id order to fn. Returning an
// error from fn stops the iteration and is returned.
func (s *Store) ExportEach(ctx context.Context, filter ExportFilter, fn func(*Product) error) error {
	query := `SELECT ` + productSelectColumns + ` FROM products p JOIN sites s ON s.id = p.site_id WHERE 1 = 1`
	var args []interface{}
	if filter.Site != "" {
		query += ` AND s.name = ?`
		args = append(args, filter.Site)
	}
	if filter.SeenSince != nil {
		query += ` AND p.last_seen_at >= ?`
		args = append(args, filter.SeenSince.UTC())
	}
	if filter.SeenUntil != nil {
		query += ` AND p.last_seen_at < ?`
		args = append(args, filter.SeenUntil.UTC())
	}
	query += ` ORDER BY p.id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return errors.Wrap(err, "failed to export products")
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return errors.Wrap(rows.Err(), "error iterating products")
}

// Get returns one product by URL
func (s *Store) Get(ctx context.Context, url string) (*Product, error) {
	query := `SELECT ` + productSelectColumns + ` FROM products p JOIN sites s ON s.id = p.site_id WHERE p.product_url = ?`
	p, err := scanProduct(s.db.QueryRowContext(ctx, s.db.Rebind(query), NormalizeURL(url)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("product %s not found", url)
	}
	return p, err
}

// Count returns the number of products, optionally for one site
func (s *Store) Count(ctx context.Context, site string) (int64, error) {
	query := `SELECT COUNT(*) FROM products p`
	var args []interface{}
	if site != "" {
		query += ` JOIN sites s ON s.id = p.site_id WHERE s.name = ?`
		args = append(args, site)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, s.db.Rebind(query), args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count products")
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProduct(r rowScanner) (*Product, error) {
	var (
		p                                          Product
		typ, title, image, desc, cat               sql.NullString
		amazonURL, storeURL, storeName, externalID sql.NullString
		price                                      sql.NullFloat64
		updated                                    sql.NullTime
	)
	err := r.Scan(&p.ID, &p.Site, &p.ProductURL, &typ, &title, &price, &image,
		&desc, &cat, &amazonURL, &storeURL, &storeName,
		&externalID, &p.FirstSeenAt, &p.LastSeenAt, &p.CreatedAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan product")
	}

	p.Type, p.Title, p.ImageURL = typ.String, title.String, image.String
	p.Description, p.Category = desc.String, cat.String
	p.AmazonURL, p.AmazonStoreURL, p.AmazonStoreName = amazonURL.String, storeURL.String, storeName.String
	p.ExternalID = externalID.String
	if price.Valid {
		v := price.Float64
		p.Price = &v
	}
	if updated.Valid {
		t := updated.Time
		p.UpdatedAt = &t
	}
	return &p, nil
}
