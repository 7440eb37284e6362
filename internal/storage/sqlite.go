package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"qurandaily/internal/corpus"
	logx "qurandaily/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store is the subscriber persistence API used by the dispatcher and the
// command handlers. All mutation goes through it; no caller performs
// read-modify-write outside these operations.
type Store interface {
	// Register creates a subscriber at the first corpus position, or
	// reactivates an existing record without touching its position.
	// created reports whether a new row was inserted.
	Register(ctx context.Context, userID, chatID int64) (sub Subscriber, created bool, err error)

	// Deactivate flips active off. Unknown or already-inactive subscribers
	// are a benign no-op.
	Deactivate(ctx context.Context, userID int64) error

	Get(ctx context.Context, userID int64) (Subscriber, error)

	// ListDue returns active subscribers that still need processing:
	// everyone not yet completed, plus completed ones whose one-time
	// notice has not gone out. Insertion order.
	ListDue(ctx context.Context) ([]Subscriber, error)

	// Advance atomically moves a subscriber's position forward and stamps
	// last_sent_at. A single UPDATE: the stored position is either the old
	// or the new value, never anything in between. Backwards moves fail
	// with ErrNotMonotonic.
	Advance(ctx context.Context, userID int64, pos corpus.Position, completed bool, sentAt time.Time) error

	// MarkNoticeSent records that the completion message went out.
	MarkNoticeSent(ctx context.Context, userID int64, at time.Time) error

	// BumpRequests increments the per-day request counter, resetting it
	// when day differs from the stored one, and returns the new count.
	BumpRequests(ctx context.Context, userID int64, day string) (int, error)

	// ResetProgress is the administrative escape hatch: it may move a
	// position backwards and clears the completion flags.
	ResetProgress(ctx context.Context, userID int64, pos corpus.Position) error

	Close() error
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the SQLite store, creating the database file and schema
// as needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &sqliteStore{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const subscriberCols = `user_id, chat_id, surah, ayah, completed, notice_sent, active, created_at, last_sent_at, requests_today, last_request_day`

func (s *sqliteStore) Register(ctx context.Context, userID, chatID int64) (Subscriber, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Subscriber{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM subscribers WHERE user_id = ?`, userID).Scan(&exists)
	if err != nil {
		return Subscriber{}, false, err
	}

	created := exists == 0
	if created {
		first := corpus.First()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO subscribers(user_id, chat_id, surah, ayah, active, created_at) VALUES(?,?,?,?,1,?)`,
			userID, chatID, first.Surah, first.Ayah, time.Now().UTC().Format(time.RFC3339Nano),
		)
	} else {
		// Reactivate and refresh the chat id; position stays untouched.
		_, err = tx.ExecContext(ctx,
			`UPDATE subscribers SET active = 1, chat_id = ? WHERE user_id = ?`,
			chatID, userID,
		)
	}
	if err != nil {
		return Subscriber{}, false, err
	}

	sub, err := scanSubscriber(tx.QueryRowContext(ctx,
		`SELECT `+subscriberCols+` FROM subscribers WHERE user_id = ?`, userID))
	if err != nil {
		return Subscriber{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Subscriber{}, false, err
	}
	return sub, created, nil
}

func (s *sqliteStore) Deactivate(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE subscribers SET active = 0 WHERE user_id = ?`, userID)
	return err
}

func (s *sqliteStore) Get(ctx context.Context, userID int64) (Subscriber, error) {
	sub, err := scanSubscriber(s.db.QueryRowContext(ctx,
		`SELECT `+subscriberCols+` FROM subscribers WHERE user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return Subscriber{}, ErrNotFound
	}
	return sub, err
}

func (s *sqliteStore) ListDue(ctx context.Context) ([]Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriberCols+` FROM subscribers
		 WHERE active = 1 AND NOT (completed = 1 AND notice_sent = 1)
		 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Advance(ctx context.Context, userID int64, pos corpus.Position, completed bool, sentAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscribers
		 SET surah = ?1, ayah = ?2, completed = ?3, last_sent_at = ?4
		 WHERE user_id = ?5
		   AND (surah < ?1 OR (surah = ?1 AND ayah <= ?2))`,
		pos.Surah, pos.Ayah, boolInt(completed), sentAt.UTC().Format(time.RFC3339Nano), userID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Get(ctx, userID); err != nil {
			return err
		}
		return ErrNotMonotonic
	}
	return nil
}

func (s *sqliteStore) MarkNoticeSent(ctx context.Context, userID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET notice_sent = 1, last_sent_at = ? WHERE user_id = ?`,
		at.UTC().Format(time.RFC3339Nano), userID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) BumpRequests(ctx context.Context, userID int64, day string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE subscribers
		 SET requests_today = CASE WHEN last_request_day = ?1 THEN requests_today + 1 ELSE 1 END,
		     last_request_day = ?1
		 WHERE user_id = ?2`,
		day, userID,
	)
	if err != nil {
		return 0, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return 0, ErrNotFound
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT requests_today FROM subscribers WHERE user_id = ?`, userID).Scan(&count); err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

func (s *sqliteStore) ResetProgress(ctx context.Context, userID int64, pos corpus.Position) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET surah = ?, ayah = ?, completed = 0, notice_sent = 0 WHERE user_id = ?`,
		pos.Surah, pos.Ayah, userID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	s.log.Info("progress reset", logx.Int64("user_id", userID), logx.String("pos", pos.String()))
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(r rowScanner) (Subscriber, error) {
	var (
		sub            Subscriber
		completed      int
		noticeSent     int
		active         int
		createdAt      string
		lastSentAt     sql.NullString
		lastRequestDay sql.NullString
	)
	err := r.Scan(&sub.UserID, &sub.ChatID, &sub.Position.Surah, &sub.Position.Ayah,
		&completed, &noticeSent, &active, &createdAt, &lastSentAt, &sub.RequestsToday, &lastRequestDay)
	if err != nil {
		return Subscriber{}, err
	}
	sub.Completed = completed != 0
	sub.NoticeSent = noticeSent != 0
	sub.Active = active != 0
	sub.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if lastSentAt.Valid {
		sub.LastSentAt, _ = time.Parse(time.RFC3339Nano, lastSentAt.String)
	}
	sub.LastRequestDay = lastRequestDay.String
	return sub, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
