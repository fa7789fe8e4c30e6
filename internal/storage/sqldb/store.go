// Package sqldb is the SQL backend of the client registry and the
// application log. SQLite and PostgreSQL are supported.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/credit-desk/internal/domain"
	"github.com/tjfontaine/credit-desk/internal/storage"
	"github.com/tjfontaine/credit-desk/internal/storage/dialect"
)

// Store implements storage.Store on top of database/sql.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
	now     func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Config holds database connection configuration.
type Config struct {
	Driver string // sqlite or postgres
	DSN    string
}

// New opens the database and creates the schema.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	s := &Store{db: db, dialect: d, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewSQLite opens a SQLite store at path.
func NewSQLite(path string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: path})
}

func (s *Store) initSchema() error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS clients (
id %s,
name TEXT NOT NULL,
cpf TEXT NOT NULL UNIQUE,
income DOUBLE PRECISION NOT NULL DEFAULT 0,
age INTEGER NOT NULL DEFAULT 0,
score INTEGER NOT NULL DEFAULT 0,
sex TEXT NOT NULL DEFAULT '',
job INTEGER NOT NULL DEFAULT 0,
housing TEXT NOT NULL DEFAULT '',
saving_accounts TEXT NOT NULL DEFAULT '',
checking_account TEXT NOT NULL DEFAULT ''
)`, s.dialect.AutoIncrementClause()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS applications (
id %s,
request_id TEXT NOT NULL DEFAULT '',
cpf TEXT NOT NULL,
client_id INTEGER,
amount DOUBLE PRECISION NOT NULL,
duration INTEGER NOT NULL,
purpose TEXT NOT NULL DEFAULT '',
sex TEXT NOT NULL DEFAULT '',
job INTEGER NOT NULL DEFAULT 0,
housing TEXT NOT NULL DEFAULT '',
saving_accounts TEXT NOT NULL DEFAULT '',
checking_account TEXT NOT NULL DEFAULT '',
status TEXT NOT NULL,
protocol TEXT NOT NULL DEFAULT '',
reason TEXT NOT NULL DEFAULT '',
details TEXT,
created_at %s NOT NULL
)`, s.dialect.AutoIncrementClause(), s.dialect.TimestampType()),
		`CREATE INDEX IF NOT EXISTS idx_applications_cpf ON applications(cpf)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const clientColumns = `id, name, cpf, income, age, score, sex, job, housing, saving_accounts, checking_account`

func (s *Store) LookupClient(ctx context.Context, cpf string) (*domain.Client, error) {
	var c domain.Client
	q := s.dialect.Rebind(`SELECT ` + clientColumns + ` FROM clients WHERE cpf = ?`)
	if err := s.db.GetContext(ctx, &c, q, cpf); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("client %s: %w", cpf, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("lookup client: %w", err)
	}
	return &c, nil
}

func (s *Store) AppendClient(ctx context.Context, c domain.Client) (domain.Client, error) {
	q := s.dialect.Rebind(`INSERT INTO clients (name, cpf, income, age, score, sex, job, housing, saving_accounts, checking_account)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ` + s.dialect.InsertIgnoreClause("cpf") + ` RETURNING id`)
	err := s.db.QueryRowxContext(ctx, q,
		c.Name, c.CPF, c.Income, c.Age, c.Score,
		c.Sex, c.Job, c.Housing, c.SavingAccounts, c.CheckingAccount,
	).Scan(&c.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Client{}, fmt.Errorf("client %s: %w", c.CPF, storage.ErrDuplicate)
	}
	if err != nil {
		return domain.Client{}, fmt.Errorf("append client: %w", err)
	}
	return c, nil
}

func (s *Store) UpdateClient(ctx context.Context, cpf string, c domain.Client) error {
	q := s.dialect.Rebind(`UPDATE clients SET name = ?, cpf = ?, income = ?, age = ?, score = ?,
sex = ?, job = ?, housing = ?, saving_accounts = ?, checking_account = ? WHERE cpf = ?`)
	res, err := s.db.ExecContext(ctx, q,
		c.Name, c.CPF, c.Income, c.Age, c.Score,
		c.Sex, c.Job, c.Housing, c.SavingAccounts, c.CheckingAccount, cpf,
	)
	if err != nil {
		return fmt.Errorf("update client: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update client: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("client %s: %w", cpf, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) ListClients(ctx context.Context) ([]domain.Client, error) {
	var out []domain.Client
	if err := s.db.SelectContext(ctx, &out, `SELECT `+clientColumns+` FROM clients ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	return out, nil
}

type applicationRow struct {
	ID        int64         `db:"id"`
	RequestID string        `db:"request_id"`
	CPF       string        `db:"cpf"`
	ClientID  sql.NullInt64 `db:"client_id"`
	Amount    float64       `db:"amount"`
	Duration  int           `db:"duration"`
	Purpose   string        `db:"purpose"`
	domain.Demographics
	Status    string         `db:"status"`
	Protocol  string         `db:"protocol"`
	Reason    string         `db:"reason"`
	Details   sql.NullString `db:"details"`
	CreatedAt time.Time      `db:"created_at"`
}

func (r applicationRow) entry() domain.AuditLogEntry {
	e := domain.AuditLogEntry{
		ID:        r.ID,
		RequestID: r.RequestID,
		CPF:       r.CPF,
		Amount:    r.Amount,
		Duration:  r.Duration,
		Purpose:   r.Purpose,
		Snapshot:  r.Demographics,
		Status:    domain.AuditStatus(r.Status),
		Protocol:  r.Protocol,
		Reason:    r.Reason,
		CreatedAt: r.CreatedAt,
	}
	if r.ClientID.Valid {
		id := r.ClientID.Int64
		e.ClientID = &id
	}
	if r.Details.Valid && r.Details.String != "" {
		_ = json.Unmarshal([]byte(r.Details.String), &e.Details)
	}
	return e
}

func (s *Store) AppendApplication(ctx context.Context, e *domain.AuditLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	var details sql.NullString
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = sql.NullString{String: string(raw), Valid: true}
	}
	var clientID sql.NullInt64
	if e.ClientID != nil {
		clientID = sql.NullInt64{Int64: *e.ClientID, Valid: true}
	}

	q := s.dialect.Rebind(`INSERT INTO applications (request_id, cpf, client_id, amount, duration, purpose,
sex, job, housing, saving_accounts, checking_account, status, protocol, reason, details, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	err := s.db.QueryRowxContext(ctx, q,
		e.RequestID, e.CPF, clientID, e.Amount, e.Duration, e.Purpose,
		e.Snapshot.Sex, e.Snapshot.Job, e.Snapshot.Housing, e.Snapshot.SavingAccounts, e.Snapshot.CheckingAccount,
		string(e.Status), e.Protocol, e.Reason, details, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("append application: %w", err)
	}
	return nil
}

func (s *Store) ListApplications(ctx context.Context) ([]domain.AuditLogEntry, error) {
	var rows []applicationRow
	q := `SELECT id, request_id, cpf, client_id, amount, duration, purpose, sex, job, housing,
saving_accounts, checking_account, status, protocol, reason, details, created_at
FROM applications ORDER BY id DESC`
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	out := make([]domain.AuditLogEntry, len(rows))
	for i, r := range rows {
		out[i] = r.entry()
	}
	return out, nil
}
