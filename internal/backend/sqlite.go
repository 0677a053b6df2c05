package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a single-node durable Backend. SQLite serializes writers, so
// a transaction is enough to make Claim atomic across worker goroutines
// and processes sharing the file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the backing database file and ensures the
// schema exists.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func ensureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS kv (
  k TEXT PRIMARY KEY,
  v TEXT NOT NULL,
  expires_at INTEGER
);
CREATE TABLE IF NOT EXISTS zsets (
  k TEXT NOT NULL,
  member TEXT NOT NULL,
  score REAL NOT NULL,
  PRIMARY KEY (k, member)
);
CREATE INDEX IF NOT EXISTS idx_zsets_order ON zsets(k, score, member);
CREATE TABLE IF NOT EXISTS hashes (
  k TEXT NOT NULL,
  field TEXT NOT NULL,
  v TEXT NOT NULL,
  PRIMARY KEY (k, field)
);
CREATE TABLE IF NOT EXISTS sets (
  k TEXT NOT NULL,
  member TEXT NOT NULL,
  PRIMARY KEY (k, member)
);
`
	_, err := db.Exec(schema)
	return err
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT v, expires_at FROM kv WHERE k = ?`, key)
	var v string
	var expires sql.NullInt64
	if err := row.Scan(&v, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	if expires.Valid && expires.Int64 <= time.Now().UnixMilli() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv WHERE k = ?`, key)
		return "", false, nil
	}
	return v, true, nil
}

func (s *SQLite) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var expires any
	if ttl > 0 {
		expires = time.Now().Add(ttl).UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO kv (k, v, expires_at) VALUES (?, ?, ?)
ON CONFLICT(k) DO UPDATE SET v = excluded.v, expires_at = excluded.expires_at
`, key, value, expires)
	return err
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE k = ?`, key)
	return err
}

func (s *SQLite) Keys(ctx context.Context, pattern string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT k FROM kv
WHERE k GLOB ? AND (expires_at IS NULL OR expires_at > ?)
ORDER BY k`, pattern, time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLite) ZAdd(ctx context.Context, key, member string, score float64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO zsets (k, member, score) VALUES (?, ?, ?)
ON CONFLICT(k, member) DO UPDATE SET score = excluded.score
`, key, member, score)
	return err
}

func (s *SQLite) ZRem(ctx context.Context, key, member string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM zsets WHERE k = ? AND member = ?`, key, member)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLite) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT score FROM zsets WHERE k = ? AND member = ?`, key, member)
	var score float64
	if err := row.Scan(&score); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return score, true, nil
}

func (s *SQLite) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]string, error) {
	q := `
SELECT member FROM zsets
WHERE k = ? AND score >= ? AND score <= ?
ORDER BY score, member`
	args := []any{key, min, max}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryMembers(ctx, q, args...)
}

func (s *SQLite) ZRevRange(ctx context.Context, key string, offset, count int64) ([]string, error) {
	if count <= 0 {
		count = -1 // SQLite: LIMIT -1 means unlimited
	}
	return s.queryMembers(ctx, `
SELECT member FROM zsets WHERE k = ?
ORDER BY score DESC, member DESC
LIMIT ? OFFSET ?`, key, count, offset)
}

func (s *SQLite) ZCard(ctx context.Context, key string) (int64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM zsets WHERE k = ?`, key)
	var n int64
	err := row.Scan(&n)
	return n, err
}

func (s *SQLite) HSet(ctx context.Context, key, field, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO hashes (k, field, v) VALUES (?, ?, ?)
ON CONFLICT(k, field) DO UPDATE SET v = excluded.v
`, key, field, value)
	return err
}

func (s *SQLite) HGet(ctx context.Context, key, field string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT v FROM hashes WHERE k = ? AND field = ?`, key, field)
	var v string
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

func (s *SQLite) HDel(ctx context.Context, key, field string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM hashes WHERE k = ? AND field = ?`, key, field)
	return err
}

func (s *SQLite) SAdd(ctx context.Context, key, member string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sets (k, member) VALUES (?, ?)
ON CONFLICT(k, member) DO NOTHING`, key, member)
	return err
}

func (s *SQLite) SRem(ctx context.Context, key, member string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sets WHERE k = ? AND member = ?`, key, member)
	return err
}

func (s *SQLite) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.queryMembers(ctx,
		`SELECT member FROM sets WHERE k = ? ORDER BY member`, key)
}

func (s *SQLite) Claim(ctx context.Context, q ClaimQuery) (member string, err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `
SELECT member, score FROM zsets WHERE k = ?
ORDER BY score, member`, q.PendingKey)
	if err != nil {
		return "", err
	}

	nowMs := q.Now.UnixMilli()
	var claimed string
	for rows.Next() {
		var m string
		var score float64
		if err = rows.Scan(&m, &score); err != nil {
			rows.Close()
			return "", err
		}
		if DuePart(score) > nowMs {
			continue
		}
		name, _ := SplitMember(m)
		if nameAllowed(name, q.Allowed, q.Blocked) {
			claimed = m
			break
		}
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return "", err
	}
	if claimed == "" {
		err = ErrNoTask
		return "", err
	}

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM zsets WHERE k = ? AND member = ?`, q.PendingKey, claimed); err != nil {
		return "", err
	}
	expiry := float64(nowMs + q.Lease.Milliseconds())
	if _, err = tx.ExecContext(ctx, `
INSERT INTO zsets (k, member, score) VALUES (?, ?, ?)
ON CONFLICT(k, member) DO UPDATE SET score = excluded.score
`, q.RunningKey, claimed, expiry); err != nil {
		return "", err
	}
	if err = tx.Commit(); err != nil {
		return "", err
	}
	return claimed, nil
}

func (s *SQLite) queryMembers(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}
