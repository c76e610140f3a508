package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Fixed-width UTC layout so timestamps sort lexicographically in SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store is the durable profile table plus the append-only interaction log.
// Reads are safe from any goroutine. Mutations are only reachable through
// Apply, which the Writer calls from its single goroutine.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

func Open(dbPath string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(30000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return newStore(db, logger, true)
}

// OpenInMemory opens a private in-memory database. The pool is pinned to
// one connection because every sqlite :memory: connection is its own database.
func OpenInMemory(logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return newStore(db, logger, false)
}

func newStore(db *sql.DB, logger *zap.Logger, wal bool) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{db: db, logger: logger.Named("store")}
	if wal {
		if err := s.configure(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			handle TEXT PRIMARY KEY,
			age INTEGER,
			gender TEXT,
			city TEXT,
			last_seen TEXT NOT NULL DEFAULT '',
			conversation_count INTEGER NOT NULL DEFAULT 0,
			targeted INTEGER NOT NULL DEFAULT 0,
			metadata TEXT,
			created_at TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_last_seen ON users(last_seen)`,
		`CREATE TABLE IF NOT EXISTS interactions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			handle TEXT NOT NULL,
			inbound TEXT NOT NULL DEFAULT '',
			outbound TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL,
			tag TEXT NOT NULL DEFAULT '',
			score REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_handle_ts ON interactions(handle, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_ts ON interactions(timestamp)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Get returns the stored profile for handle, or a freshly defaulted one
// when the handle is unknown or the read fails. It never fails.
func (s *Store) Get(handle string) UserProfile {
	p, _, err := s.Lookup(handle)
	if err != nil {
		s.logger.Error("read profile failed", zap.String("handle", handle), zap.Error(err))
		return NewProfile(handle)
	}
	return p
}

// Lookup is Get for callers that write back what they read: an unknown
// handle yields a defaulted profile with found=false, a failed read an error.
func (s *Store) Lookup(handle string) (p UserProfile, found bool, err error) {
	p, err = s.lookup(handle)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return NewProfile(handle), false, nil
	case err != nil:
		return NewProfile(handle), false, fmt.Errorf("read profile %s: %w", handle, err)
	}
	return p, true, nil
}

func (s *Store) lookup(handle string) (UserProfile, error) {
	row := s.db.QueryRow(`
		SELECT handle, age, gender, city, last_seen, conversation_count, targeted, metadata, created_at
		FROM users WHERE handle = ?
	`, handle)

	var (
		p         UserProfile
		age       sql.NullInt64
		gender    sql.NullString
		city      sql.NullString
		lastSeen  string
		targeted  int
		metadata  sql.NullString
		createdAt string
	)
	if err := row.Scan(&p.Handle, &age, &gender, &city, &lastSeen, &p.ConversationCount, &targeted, &metadata, &createdAt); err != nil {
		return UserProfile{}, err
	}
	p.Age = int(age.Int64)
	p.Gender = Gender(gender.String)
	p.City = city.String
	p.Targeted = targeted == 1
	p.LastSeen = parseTime(lastSeen)
	p.CreatedAt = parseTime(createdAt)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &p.Metadata); err != nil {
			s.logger.Warn("decode profile metadata", zap.String("handle", handle), zap.Error(err))
		}
	}
	return p, nil
}

// AllProfiles lists every profile, most recently seen first.
func (s *Store) AllProfiles() ([]ProfileSummary, error) {
	rows, err := s.db.Query(`
		SELECT handle, age, gender, city, targeted, last_seen, conversation_count
		FROM users
		ORDER BY last_seen DESC, handle ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	result := make([]ProfileSummary, 0)
	for rows.Next() {
		var (
			sum      ProfileSummary
			age      sql.NullInt64
			gender   sql.NullString
			city     sql.NullString
			targeted int
			lastSeen string
		)
		if err := rows.Scan(&sum.Handle, &age, &gender, &city, &targeted, &lastSeen, &sum.ConversationCount); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		sum.Age = int(age.Int64)
		sum.Gender = Gender(gender.String)
		sum.City = city.String
		sum.Targeted = targeted == 1
		sum.LastSeen = parseTime(lastSeen)
		result = append(result, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return result, nil
}

// History returns up to limit interactions for handle, most recent first.
func (s *Store) History(handle string, limit int) ([]InteractionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, handle, inbound, outbound, timestamp, tag, score
		FROM interactions
		WHERE handle = ?
		ORDER BY timestamp DESC, seq DESC
		LIMIT ?
	`, handle, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	return scanInteractions(rows)
}

// Stats aggregates user and interaction counts.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	queries := []struct {
		sql  string
		dest *int
	}{
		{`SELECT COUNT(*) FROM users`, &st.Users},
		{`SELECT COUNT(*) FROM users WHERE targeted = 1`, &st.Targeted},
		{`SELECT COUNT(*) FROM interactions`, &st.Interactions},
		{`SELECT COUNT(DISTINCT handle) FROM interactions`, &st.Conversed},
	}
	for _, q := range queries {
		if err := s.db.QueryRow(q.sql).Scan(q.dest); err != nil {
			return Stats{}, fmt.Errorf("stats: %w", err)
		}
	}
	if st.Users > 0 {
		st.TargetingRate = float64(st.Targeted) / float64(st.Users) * 100
		st.ConversationRate = float64(st.Conversed) / float64(st.Users) * 100
	}
	return st, nil
}

// Apply performs one write intent. Only the Writer goroutine calls it.
func (s *Store) Apply(intent WriteIntent) error {
	return RetryOnDBLock(func() error {
		switch intent.Kind {
		case IntentSaveProfile:
			return s.saveProfile(intent.Profile)
		case IntentAppendInteraction:
			return s.appendInteraction(intent.Interaction)
		case IntentTouchProfile:
			return s.touchProfile(intent.Handle, intent.At)
		case IntentSetTargeted:
			return s.setTargeted(intent.Handle, intent.Targeted, intent.At)
		case IntentPruneInteractions:
			return s.pruneInteractions(intent.At)
		case IntentToggleTargeted:
			return s.toggleTargeted(intent.Handle, intent.At)
		default:
			return fmt.Errorf("unknown intent kind %d", intent.Kind)
		}
	})
}

func (s *Store) saveProfile(p UserProfile) error {
	if strings.TrimSpace(p.Handle) == "" {
		return fmt.Errorf("save profile: empty handle")
	}
	var metadata any
	if len(p.Metadata) > 0 {
		data, err := json.Marshal(p.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadata = string(data)
	}
	lastSeen := p.LastSeen
	if lastSeen.IsZero() {
		lastSeen = time.Now()
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO users (handle, age, gender, city, last_seen, conversation_count, targeted, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(handle) DO UPDATE SET
			age = excluded.age,
			gender = excluded.gender,
			city = excluded.city,
			last_seen = excluded.last_seen,
			conversation_count = excluded.conversation_count,
			targeted = excluded.targeted,
			metadata = excluded.metadata
	`, p.Handle, nullInt(p.Age), nullString(string(p.Gender)), nullString(p.City), formatTime(lastSeen),
		p.ConversationCount, boolToInt(p.Targeted), metadata, formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

func (s *Store) appendInteraction(r InteractionRecord) error {
	if strings.TrimSpace(r.Handle) == "" {
		return fmt.Errorf("append interaction: empty handle")
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	var score any
	if r.Score != nil {
		score = *r.Score
	}
	_, err := s.db.Exec(`
		INSERT INTO interactions (id, handle, inbound, outbound, timestamp, tag, score)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Handle, r.Inbound, r.Outbound, formatTime(ts), r.Tag, score)
	if err != nil {
		return fmt.Errorf("append interaction: %w", err)
	}
	return nil
}

func (s *Store) touchProfile(handle string, at time.Time) error {
	ts := formatTime(at)
	_, err := s.db.Exec(`
		INSERT INTO users (handle, last_seen, created_at) VALUES (?, ?, ?)
		ON CONFLICT(handle) DO UPDATE SET last_seen = excluded.last_seen
	`, handle, ts, ts)
	if err != nil {
		return fmt.Errorf("touch profile: %w", err)
	}
	return nil
}

func (s *Store) setTargeted(handle string, targeted bool, at time.Time) error {
	ts := formatTime(at)
	_, err := s.db.Exec(`
		INSERT INTO users (handle, targeted, last_seen, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(handle) DO UPDATE SET targeted = excluded.targeted
	`, handle, boolToInt(targeted), ts, ts)
	if err != nil {
		return fmt.Errorf("set targeted: %w", err)
	}
	return nil
}

func (s *Store) toggleTargeted(handle string, at time.Time) error {
	ts := formatTime(at)
	_, err := s.db.Exec(`
		INSERT INTO users (handle, targeted, last_seen, created_at) VALUES (?, 1, ?, ?)
		ON CONFLICT(handle) DO UPDATE SET targeted = 1 - users.targeted
	`, handle, ts, ts)
	if err != nil {
		return fmt.Errorf("toggle targeted: %w", err)
	}
	return nil
}

func (s *Store) pruneInteractions(before time.Time) error {
	res, err := s.db.Exec(`DELETE FROM interactions WHERE timestamp < ?`, formatTime(before))
	if err != nil {
		return fmt.Errorf("prune interactions: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Info("pruned interactions", zap.Int64("rows", n), zap.Time("before", before))
	}
	return nil
}

func scanInteractions(rows *sql.Rows) ([]InteractionRecord, error) {
	result := make([]InteractionRecord, 0)
	for rows.Next() {
		var (
			r     InteractionRecord
			ts    string
			score sql.NullFloat64
		)
		if err := rows.Scan(&r.ID, &r.Handle, &r.Inbound, &r.Outbound, &ts, &r.Tag, &score); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		r.Timestamp = parseTime(ts)
		if score.Valid {
			v := score.Float64
			r.Score = &v
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interactions: %w", err)
	}
	return result, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Time{}
}

func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
