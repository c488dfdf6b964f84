package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL DEFAULT 'default',
			username TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(org_id, username)
		)`,
		`ALTER TABLE users ADD COLUMN IF NOT EXISTS category TEXT NOT NULL DEFAULT ''`,
		`CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL DEFAULT 'default',
			name TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS product_grants (
			user_id TEXT NOT NULL,
			product_id TEXT NOT NULL REFERENCES products(id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
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
			fees JSONB NOT NULL DEFAULT '{}',
			published BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rate_plans_product_id ON rate_plans(product_id)`,
		`CREATE TABLE IF NOT EXISTS plan_revisions (
			id TEXT PRIMARY KEY,
			plan_id TEXT NOT NULL REFERENCES rate_plans(id),
			previous_id TEXT NOT NULL DEFAULT '',
			start_at TIMESTAMPTZ NOT NULL,
			end_at TIMESTAMPTZ,
			tz TEXT NOT NULL DEFAULT 'UTC',
			note TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_plan_revisions_plan_start ON plan_revisions(plan_id, start_at)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			developer_id TEXT NOT NULL REFERENCES users(id),
			plan_id TEXT NOT NULL REFERENCES rate_plans(id),
			status TEXT NOT NULL DEFAULT 'active',
			start_at TIMESTAMPTZ NOT NULL,
			end_at TIMESTAMPTZ,
			tz TEXT NOT NULL DEFAULT 'UTC',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_developer_id ON subscriptions(developer_id)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL DEFAULT 'default',
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			plan_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_org_id ON audit_events(org_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}

	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, org_id, username, email, category, password_hash, role, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		user.ID, user.OrgID, user.Username, user.Email, user.Category, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, orgID, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, org_id, username, email, category, password_hash, role, created_at FROM users WHERE org_id = $1 AND username = $2",
		orgID, username,
	).Scan(&u.ID, &u.OrgID, &u.Username, &u.Email, &u.Category, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, org_id, username, email, category, password_hash, role, created_at FROM users WHERE id = $1", id,
	).Scan(&u.ID, &u.OrgID, &u.Username, &u.Email, &u.Category, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) ListUsers(ctx context.Context, orgID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, org_id, username, email, category, role, created_at FROM users WHERE org_id = $1 ORDER BY created_at",
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

func (s *PostgresStore) UpsertProduct(ctx context.Context, p *Product) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO products (id, org_id, name, display_name, description, created_at) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT(id) DO UPDATE SET name=EXCLUDED.name, display_name=EXCLUDED.display_name, description=EXCLUDED.description`,
		p.ID, p.OrgID, p.Name, p.DisplayName, p.Description, p.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	var p Product
	err := s.db.QueryRowContext(ctx,
		"SELECT id, org_id, name, display_name, description, created_at FROM products WHERE id = $1", id,
	).Scan(&p.ID, &p.OrgID, &p.Name, &p.DisplayName, &p.Description, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &p, err
}

func (s *PostgresStore) ListProducts(ctx context.Context, orgID string) ([]Product, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, org_id, name, display_name, description, created_at FROM products WHERE org_id = $1 ORDER BY id",
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

func (s *PostgresStore) GrantProductAccess(ctx context.Context, userID, productID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO product_grants (user_id, product_id) VALUES ($1, $2) ON CONFLICT DO NOTHING", userID, productID,
	)
	return err
}

func (s *PostgresStore) RevokeProductAccess(ctx context.Context, userID, productID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM product_grants WHERE user_id = $1 AND product_id = $2", userID, productID,
	)
	return err
}

func (s *PostgresStore) ListUserProducts(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT product_id FROM product_grants WHERE user_id = $1 ORDER BY product_id", userID,
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

const postgresPlanColumns = `id, product_id, name, display_name, description, type, developer_id, category,
	currency_code, billing_period, frequency_duration, frequency_duration_type, fees, published, updated_at`

func (s *PostgresStore) UpsertRatePlan(ctx context.Context, plan *RatePlan) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_plans (`+postgresPlanColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT(id) DO UPDATE SET product_id=EXCLUDED.product_id, name=EXCLUDED.name,
		   display_name=EXCLUDED.display_name, description=EXCLUDED.description, type=EXCLUDED.type,
		   developer_id=EXCLUDED.developer_id, category=EXCLUDED.category, currency_code=EXCLUDED.currency_code,
		   billing_period=EXCLUDED.billing_period, frequency_duration=EXCLUDED.frequency_duration,
		   frequency_duration_type=EXCLUDED.frequency_duration_type, fees=EXCLUDED.fees,
		   published=EXCLUDED.published, updated_at=EXCLUDED.updated_at`,
		plan.ID, plan.ProductID, plan.Name, plan.DisplayName, plan.Description, plan.Type, plan.DeveloperID, plan.Category,
		plan.CurrencyCode, plan.BillingPeriod, plan.FrequencyDuration, plan.FrequencyDurationType, plan.Fees, plan.Published, plan.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetRatePlan(ctx context.Context, id string) (*RatePlan, error) {
	p, err := scanRatePlan(s.db.QueryRowContext(ctx,
		"SELECT "+postgresPlanColumns+" FROM rate_plans WHERE id = $1", id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (s *PostgresStore) ListRatePlansByProduct(ctx context.Context, productID string) ([]RatePlan, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+postgresPlanColumns+" FROM rate_plans WHERE product_id = $1 ORDER BY id", productID,
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

func (s *PostgresStore) CreatePlanRevision(ctx context.Context, rev *PlanRevision) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plan_revisions (id, plan_id, previous_id, start_at, end_at, tz, note, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rev.ID, rev.PlanID, rev.PreviousID, rev.StartAt.UTC(), nullTime(rev.EndAt), zoneName(rev.StartAt),
		rev.Note, rev.CreatedBy, rev.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetPlanRevision(ctx context.Context, id string) (*PlanRevision, error) {
	r, err := scanPlanRevision(s.db.QueryRowContext(ctx,
		"SELECT id, plan_id, previous_id, start_at, end_at, tz, note, created_by, created_at FROM plan_revisions WHERE id = $1", id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *PostgresStore) ListPlanRevisions(ctx context.Context, planID string) ([]PlanRevision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, plan_id, previous_id, start_at, end_at, tz, note, created_by, created_at
		 FROM plan_revisions WHERE plan_id = $1 ORDER BY start_at DESC, created_at DESC`, planID,
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

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, developer_id, plan_id, status, start_at, end_at, tz, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sub.ID, sub.DeveloperID, sub.PlanID, sub.Status, sub.StartAt.UTC(), nullTime(sub.EndAt), zoneName(sub.StartAt), sub.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		"SELECT id, developer_id, plan_id, status, start_at, end_at, tz, created_at FROM subscriptions WHERE id = $1", id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, err
}

func (s *PostgresStore) ListSubscriptionsByDeveloper(ctx context.Context, developerID string) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, developer_id, plan_id, status, start_at, end_at, tz, created_at
		 FROM subscriptions WHERE developer_id = $1 ORDER BY start_at DESC`, developerID,
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

func (s *PostgresStore) EndSubscription(ctx context.Context, id string, endAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE subscriptions SET status = $1, end_at = $2 WHERE id = $3", SubscriptionEnded, endAt.UTC(), id,
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

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, org_id, action, user_id, plan_id, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.OrgID, event.Action, event.UserID, event.PlanID, detail, event.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, orgID string, limit, offset int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, action, user_id, plan_id, detail, created_at
		 FROM audit_events WHERE org_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
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

func (s *PostgresStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE created_at < $1", before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
