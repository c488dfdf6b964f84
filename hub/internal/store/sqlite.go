package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) addColumnIfNotExists(table, column, definition string) error {
	_, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	if err != nil && strings.Contains(err.Error(), "duplicate column") {
		return nil
	}
	return err
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL DEFAULT 'default',
			username TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(org_id, username)
		)`,
		`CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL DEFAULT 'default',
			name TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS product_grants (
			user_id TEXT NOT NULL,
			product_id TEXT NOT NULL REFERENCES products(id),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, product_id)
		)`,
		`CREATE TABLE IF NOT EXISTS rate_plans (
			id TEXT PRIMARY KEY,
			product_id TEXT NOT NULL REFERENCES products(id),
			name TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT 'standard',
			developer_id TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			currency_code TEXT NOT NULL DEFAULT 'USD',
			billing_period TEXT NOT NULL DEFAULT '',
			frequency_duration INTEGER NOT NULL DEFAULT 0,
			frequency_duration_type TEXT NOT NULL DEFAULT '',
			fees TEXT NOT NULL DEFAULT '{}',
			published INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rate_plans_product_id ON rate_plans(product_id)`,
		`CREATE TABLE IF NOT EXISTS plan_revisions (
			id TEXT PRIMARY KEY,
			plan_id TEXT NOT NULL REFERENCES rate_plans(id),
			previous_id TEXT NOT NULL DEFAULT '',
			start_at DATETIME NOT NULL,
			end_at DATETIME,
			tz TEXT NOT NULL DEFAULT 'UTC',
			note TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_plan_revisions_plan_start ON plan_revisions(plan_id, start_at)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			developer_id TEXT NOT NULL REFERENCES users(id),
			plan_id TEXT NOT NULL REFERENCES rate_plans(id),
			status TEXT NOT NULL DEFAULT 'active',
			start_at DATETIME NOT NULL,
			end_at DATETIME,
			tz TEXT NOT NULL DEFAULT 'UTC',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_developer_id ON subscriptions(developer_id)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL DEFAULT 'default',
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			plan_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_org_id ON audit_events(org_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}

	// Developer category arrived after the first release.
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we ignore duplicate column errors.
	columnMigrations := []struct {
		table, column, definition string
	}{
		{"users", "category", "TEXT NOT NULL DEFAULT ''"},
	}
	for _, cm := range columnMigrations {
		if err := s.addColumnIfNotExists(cm.table, cm.column, cm.definition); err != nil {
			return fmt.Errorf("add column %s.%s: %w", cm.table, cm.column, err)
		}
	}

	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, org_id, username, email, category, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		user.ID, user.OrgID, user.Username, user.Email, user.Category, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, orgID, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, org_id, username, email, category, password_hash, role, created_at FROM users WHERE org_id = ? AND username = ?",
		orgID, username,
	).Scan(&u.ID, &u.OrgID, &u.Username, &u.Email, &u.Category, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, org_id, username, email, category, password_hash, role, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.OrgID, &u.Username, &u.Email, &u.Category, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) ListUsers(ctx context.Context, orgID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, org_id, username, email, category, role, created_at FROM users WHERE org_id = ? ORDER BY created_at",
		orgID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.OrgID, &u.Username, &u.Email, &u.Category, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Products ---

func (s *SQLiteStore) UpsertProduct(ctx context.Context, p *Product) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO products (id, org_id, name, display_name, description, created_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, display_name=excluded.display_name, description=excluded.description`,
		p.ID, p.OrgID, p.Name, p.DisplayName, p.Description, p.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	var p Product
	err := s.db.QueryRowContext(ctx,
		"SELECT id, org_id, name, display_name, description, created_at FROM products WHERE id = ?", id,
	).Scan(&p.ID, &p.OrgID, &p.Name, &p.DisplayName, &p.Description, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &p, err
}

func (s *SQLiteStore) ListProducts(ctx context.Context, orgID string) ([]Product, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, org_id, name, display_name, description, created_at FROM products WHERE org_id = ? ORDER BY id",
		orgID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.OrgID, &p.Name, &p.DisplayName, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// --- Product access ---

func (s *SQLiteStore) GrantProductAccess(ctx context.Context, userID, productID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO product_grants (user_id, product_id) VALUES (?, ?)", userID, productID,
	)
	return err
}

func (s *SQLiteStore) RevokeProductAccess(ctx context.Context, userID, productID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM product_grants WHERE user_id = ? AND product_id = ?", userID, productID,
	)
	return err
}

func (s *SQLiteStore) ListUserProducts(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT product_id FROM product_grants WHERE user_id = ? ORDER BY product_id", userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Rate plans ---

const sqlitePlanColumns = `id, product_id, name, display_name, description, type, developer_id, category,
	currency_code, billing_period, frequency_duration, frequency_duration_type, fees, published, updated_at`

func (s *SQLiteStore) UpsertRatePlan(ctx context.Context, plan *RatePlan) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_plans (`+sqlitePlanColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET product_id=excluded.product_id, name=excluded.name,
		   display_name=excluded.display_name, description=excluded.description, type=excluded.type,
		   developer_id=excluded.developer_id, category=excluded.category, currency_code=excluded.currency_code,
		   billing_period=excluded.billing_period, frequency_duration=excluded.frequency_duration,
		   frequency_duration_type=excluded.frequency_duration_type, fees=excluded.fees,
		   published=excluded.published, updated_at=excluded.updated_at`,
		plan.ID, plan.ProductID, plan.Name, plan.DisplayName, plan.Description, plan.Type, plan.DeveloperID, plan.Category,
		plan.CurrencyCode, plan.BillingPeriod, plan.FrequencyDuration, plan.FrequencyDurationType, plan.Fees, plan.Published, plan.UpdatedAt,
	)
	return err
}

func scanRatePlan(row interface{ Scan(...any) error }) (*RatePlan, error) {
	var p RatePlan
	err := row.Scan(&p.ID, &p.ProductID, &p.Name, &p.DisplayName, &p.Description, &p.Type, &p.DeveloperID, &p.Category,
		&p.CurrencyCode, &p.BillingPeriod, &p.FrequencyDuration, &p.FrequencyDurationType, &p.Fees, &p.Published, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) GetRatePlan(ctx context.Context, id string) (*RatePlan, error) {
	p, err := scanRatePlan(s.db.QueryRowContext(ctx,
		"SELECT "+sqlitePlanColumns+" FROM rate_plans WHERE id = ?", id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (s *SQLiteStore) ListRatePlansByProduct(ctx context.Context, productID string) ([]RatePlan, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sqlitePlanColumns+" FROM rate_plans WHERE product_id = ? ORDER BY id", productID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []RatePlan
	for rows.Next() {
		p, err := scanRatePlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, *p)
	}
	return plans, rows.Err()
}

// --- Plan revisions ---

func (s *SQLiteStore) CreatePlanRevision(ctx context.Context, rev *PlanRevision) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plan_revisions (id, plan_id, previous_id, start_at, end_at, tz, note, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rev.ID, rev.PlanID, rev.PreviousID, rev.StartAt.UTC(), nullTime(rev.EndAt), zoneName(rev.StartAt),
		rev.Note, rev.CreatedBy, rev.CreatedAt,
	)
	return err
}

func scanPlanRevision(row interface{ Scan(...any) error }) (*PlanRevision, error) {
	var (
		r    PlanRevision
		end  sql.NullTime
		zone string
	)
	if err := row.Scan(&r.ID, &r.PlanID, &r.PreviousID, &r.StartAt, &end, &zone, &r.Note, &r.CreatedBy, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.StartAt = inZone(r.StartAt, zone)
	r.EndAt = timePtr(end, zone)
	return &r, nil
}

func (s *SQLiteStore) GetPlanRevision(ctx context.Context, id string) (*PlanRevision, error) {
	r, err := scanPlanRevision(s.db.QueryRowContext(ctx,
		"SELECT id, plan_id, previous_id, start_at, end_at, tz, note, created_by, created_at FROM plan_revisions WHERE id = ?", id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *SQLiteStore) ListPlanRevisions(ctx context.Context, planID string) ([]PlanRevision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, plan_id, previous_id, start_at, end_at, tz, note, created_by, created_at
		 FROM plan_revisions WHERE plan_id = ? ORDER BY start_at DESC, created_at DESC`, planID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var revs []PlanRevision
	for rows.Next() {
		r, err := scanPlanRevision(rows)
		if err != nil {
			return nil, err
		}
		revs = append(revs, *r)
	}
	return revs, rows.Err()
}

// --- Subscriptions ---

func (s *SQLiteStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, developer_id, plan_id, status, start_at, end_at, tz, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.DeveloperID, sub.PlanID, sub.Status, sub.StartAt.UTC(), nullTime(sub.EndAt), zoneName(sub.StartAt), sub.CreatedAt,
	)
	return err
}

func scanSubscription(row interface{ Scan(...any) error }) (*Subscription, error) {
	var (
		sub  Subscription
		end  sql.NullTime
		zone string
	)
	if err := row.Scan(&sub.ID, &sub.DeveloperID, &sub.PlanID, &sub.Status, &sub.StartAt, &end, &zone, &sub.CreatedAt); err != nil {
		return nil, err
	}
	sub.StartAt = inZone(sub.StartAt, zone)
	sub.EndAt = timePtr(end, zone)
	return &sub, nil
}

func (s *SQLiteStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		"SELECT id, developer_id, plan_id, status, start_at, end_at, tz, created_at FROM subscriptions WHERE id = ?", id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, err
}

func (s *SQLiteStore) ListSubscriptionsByDeveloper(ctx context.Context, developerID string) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, developer_id, plan_id, status, start_at, end_at, tz, created_at
		 FROM subscriptions WHERE developer_id = ? ORDER BY start_at DESC`, developerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func (s *SQLiteStore) EndSubscription(ctx context.Context, id string, endAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE subscriptions SET status = ?, end_at = ? WHERE id = ?", SubscriptionEnded, endAt.UTC(), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("subscription %q not found", id)
	}
	return nil
}

// --- Audit ---

func (s *SQLiteStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, org_id, action, user_id, plan_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.OrgID, event.Action, event.UserID, event.PlanID, detail, event.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, orgID string, limit, offset int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, action, user_id, plan_id, detail, created_at FROM audit_events
		 WHERE org_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		orgID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.OrgID, &e.Action, &e.UserID, &e.PlanID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE created_at < ?", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
