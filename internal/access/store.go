package access

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// User is one row of the users table.
type User struct {
	ID                   string
	TotalRequestsInPlan  int
	UsedRequestsInPlan   int
	TotalRequestsAllTime int
	ExpiresAt            *time.Time
	LastActivationAt     *time.Time
	LastRequestAt        *time.Time
	CreatedAt            time.Time
}

// Remaining is the number of requests left in the current plan.
func (u User) Remaining() int { return u.TotalRequestsInPlan - u.UsedRequestsInPlan }

// Code is one row of the activation_codes table.
type Code struct {
	Code      string
	UserID    string // empty while unused
	Note      string
	CreatedAt time.Time
	UsedAt    *time.Time
}

// Used reports whether somebody has redeemed the code.
func (c Code) Used() bool { return c.UserID != "" }

// Store persists users and activation codes in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var ErrCodeExists = errors.New("activation code already exists")

// OpenStore opens (creating if needed) the database at dbPath and migrates it.
func OpenStore(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "cannot create database directory %s", dir)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "cannot open database")
	}

	// Single connection for SQLite. Transactions must not touch s.db.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := runMigrations(db, logger); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "access database migration failed")
	}

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping checks the database connection and reports the schema version.
func (s *Store) Ping(ctx context.Context) (int, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return 0, errors.Wrap(err, "ping access database")
	}
	return schemaVersionOf(s.db)
}

// Snapshot writes a consistent copy of the database to path, which must not
// exist yet.
func (s *Store) Snapshot(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return errors.Wrapf(err, "snapshot access database to %s", path)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const userColumns = `user_id, total_requests_in_plan, used_requests_in_plan, total_requests_all_time,
	expires_at, last_activation_at, last_request_at, created_at`

// GetOrCreateUser returns the user row, inserting an empty one on first sight.
func (s *Store) GetOrCreateUser(ctx context.Context, userID string, now time.Time) (User, error) {
	return getOrCreateUser(ctx, s.db, userID, now)
}

func getOrCreateUser(ctx context.Context, q queryer, userID string, now time.Time) (User, error) {
	if _, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (user_id, created_at, updated_at) VALUES (?, ?, ?)`,
		userID, now.Unix(), now.Unix(),
	); err != nil {
		return User{}, errors.Wrapf(err, "create user %s", userID)
	}

	var u User
	var expires, lastActivation, lastRequest sql.NullInt64
	var created int64
	err := q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID).Scan(
		&u.ID, &u.TotalRequestsInPlan, &u.UsedRequestsInPlan, &u.TotalRequestsAllTime,
		&expires, &lastActivation, &lastRequest, &created,
	)
	if err != nil {
		return User{}, errors.Wrapf(err, "load user %s", userID)
	}
	u.ExpiresAt = fromUnix(expires)
	u.LastActivationAt = fromUnix(lastActivation)
	u.LastRequestAt = fromUnix(lastRequest)
	u.CreatedAt = time.Unix(created, 0).UTC()
	return u, nil
}

// ChargeRequest takes one request from the user's plan when the plan still
// covers it at now, in a single guarded update. It reports false and changes
// nothing when there is no plan, it has expired or it is used up.
func (s *Store) ChargeRequest(ctx context.Context, userID string, now time.Time) (bool, error) {
	if _, err := getOrCreateUser(ctx, s.db, userID, now); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET used_requests_in_plan = used_requests_in_plan + 1,
			total_requests_all_time = total_requests_all_time + 1,
			last_request_at = ?, updated_at = ?
		 WHERE user_id = ?
		   AND used_requests_in_plan < total_requests_in_plan
		   AND (expires_at IS NULL OR expires_at > ?)`,
		now.Unix(), now.Unix(), userID, now.Unix(),
	)
	if err != nil {
		return false, errors.Wrapf(err, "charge request for %s", userID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "charge request for %s", userID)
	}
	return n == 1, nil
}

// RefundRequest gives back a request charged by ChargeRequest.
func (s *Store) RefundRequest(ctx context.Context, userID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET used_requests_in_plan = used_requests_in_plan - 1,
			total_requests_all_time = total_requests_all_time - 1,
			updated_at = ?
		 WHERE user_id = ? AND used_requests_in_plan > 0`,
		now.Unix(), userID,
	)
	return errors.Wrapf(err, "refund request for %s", userID)
}

// extendPlan adds requests to the plan and restarts its validity window from now.
func extendPlan(ctx context.Context, q queryer, userID string, requests int, validFor time.Duration, now time.Time) error {
	if _, err := getOrCreateUser(ctx, q, userID, now); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx,
		`UPDATE users SET total_requests_in_plan = total_requests_in_plan + ?,
			expires_at = ?, last_activation_at = ?, updated_at = ?
		 WHERE user_id = ?`,
		requests, now.Add(validFor).Unix(), now.Unix(), now.Unix(), userID,
	)
	return errors.Wrapf(err, "extend plan for %s", userID)
}

// InsertCode stores a fresh unused code. It returns ErrCodeExists on collision.
func (s *Store) InsertCode(ctx context.Context, code, note string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO activation_codes (code, note, created_at) VALUES (?, ?, ?)`,
		code, note, now.Unix(),
	)
	if err != nil {
		return errors.Wrap(err, "insert activation code")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCodeExists
	}
	return nil
}

// ListCodes returns the newest codes first.
func (s *Store) ListCodes(ctx context.Context, limit int) ([]Code, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT code, COALESCE(user_id, ''), note, created_at, used_at
		 FROM activation_codes ORDER BY created_at DESC, code LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list activation codes")
	}
	defer rows.Close()

	var codes []Code
	for rows.Next() {
		var (
			c       Code
			created int64
			used    sql.NullInt64
		)
		if err := rows.Scan(&c.Code, &c.UserID, &c.Note, &created, &used); err != nil {
			return nil, errors.Wrap(err, "scan activation code")
		}
		c.CreatedAt = time.Unix(created, 0).UTC()
		c.UsedAt = fromUnix(used)
		codes = append(codes, c)
	}
	return codes, errors.Wrap(rows.Err(), "iterate activation codes")
}

// redeemOutcome is what happened to a code inside redeem.
type redeemOutcome int

const (
	redeemActivated redeemOutcome = iota
	redeemAlreadyMine
	redeemTaken
	redeemUnknown
)

// redeem binds code to userID and extends the plan in one transaction.
// Unknown codes are recorded and activated only when acceptUnknown is set.
func (s *Store) redeem(ctx context.Context, userID, code string, acceptUnknown bool, requests int, validFor time.Duration, now time.Time) (redeemOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin redeem")
	}
	defer tx.Rollback()

	var owner sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT user_id FROM activation_codes WHERE code = ?`, code).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if !acceptUnknown {
			return redeemUnknown, nil
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO activation_codes (code, user_id, note, created_at, used_at) VALUES (?, ?, 'unissued', ?, ?)`,
			code, userID, now.Unix(), now.Unix(),
		); err != nil {
			return 0, errors.Wrap(err, "record unissued code")
		}
	case err != nil:
		return 0, errors.Wrap(err, "look up activation code")
	case owner.Valid && owner.String == userID:
		return redeemAlreadyMine, nil
	case owner.Valid:
		return redeemTaken, nil
	default:
		res, err := tx.ExecContext(ctx,
			`UPDATE activation_codes SET user_id = ?, used_at = ? WHERE code = ? AND user_id IS NULL`,
			userID, now.Unix(), code,
		)
		if err != nil {
			return 0, errors.Wrap(err, "mark code used")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return redeemTaken, nil
		}
	}

	if err := extendPlan(ctx, tx, userID, requests, validFor, now); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit redeem")
	}
	return redeemActivated, nil
}

func fromUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
