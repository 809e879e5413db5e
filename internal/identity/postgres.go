package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/classmesh/classmesh/pkg/classroom"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the tables [PostgresDirectory] reads. In a
// deployment next to the LMS these are views over the LMS tables; execute it
// via [PostgresDirectory.Migrate] for a standalone database.
const Schema = `
CREATE TABLE IF NOT EXISTS classmesh_classes (
    class_id    TEXT PRIMARY KEY,
    room_id     TEXT NOT NULL,
    title       TEXT NOT NULL DEFAULT '',
    active      BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE TABLE IF NOT EXISTS classmesh_users (
    user_id      TEXT PRIMARY KEY,
    display_name TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS classmesh_enrollments (
    class_id TEXT NOT NULL REFERENCES classmesh_classes(class_id) ON DELETE CASCADE,
    user_id  TEXT NOT NULL REFERENCES classmesh_users(user_id) ON DELETE CASCADE,
    role     TEXT NOT NULL CHECK (role IN ('instructor', 'student')),
    PRIMARY KEY (class_id, user_id)
);
CREATE TABLE IF NOT EXISTS classmesh_tokens (
    token_hash TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL REFERENCES classmesh_users(user_id) ON DELETE CASCADE,
    expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_classmesh_tokens_user ON classmesh_tokens(user_id);
`

// DB is the database interface used by [PostgresDirectory]. Both
// *pgxpool.Pool and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresDirectory is an [Adapter] backed by PostgreSQL. Tokens are stored
// as SHA-256 hashes so a database dump does not leak bearer credentials.
type PostgresDirectory struct {
	db DB
}

var (
	_ Adapter = (*PostgresDirectory)(nil)
	_ Pinger  = (*PostgresDirectory)(nil)
)

// NewPostgresDirectory creates a directory over db. The caller owns db.
func NewPostgresDirectory(db DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// Connect opens a connection pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("identity: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("identity: ping: %w", err)
	}
	return pool, nil
}

// Migrate executes the [Schema] DDL.
func (d *PostgresDirectory) Migrate(ctx context.Context) error {
	if _, err := d.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("identity: migrate: %w", err)
	}
	return nil
}

// Ping runs a trivial query.
func (d *PostgresDirectory) Ping(ctx context.Context) error {
	var one int
	if err := d.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("identity: ping: %w", err)
	}
	return nil
}

// ResolveClass implements [Adapter]. Inactive classes are not found.
func (d *PostgresDirectory) ResolveClass(ctx context.Context, classID string) (Class, error) {
	const query = `
		SELECT class_id, room_id, title
		FROM classmesh_classes
		WHERE class_id = $1 AND active`

	var c Class
	err := d.db.QueryRow(ctx, query, classID).Scan(&c.ClassID, &c.RoomID, &c.Title)
	if errors.Is(err, pgx.ErrNoRows) {
		return Class{}, fmt.Errorf("%w: %q", ErrClassNotFound, classID)
	}
	if err != nil {
		return Class{}, fmt.Errorf("identity: resolve class %q: %w", classID, err)
	}
	return c, nil
}

// ResolveIdentity implements [Adapter].
func (d *PostgresDirectory) ResolveIdentity(ctx context.Context, token, classID string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ErrRejected)
	}
	const query = `
		SELECT u.user_id, u.display_name, e.role
		FROM classmesh_tokens t
		JOIN classmesh_users u ON u.user_id = t.user_id
		JOIN classmesh_enrollments e ON e.user_id = u.user_id AND e.class_id = $2
		WHERE t.token_hash = $1 AND (t.expires_at IS NULL OR t.expires_at > now())`

	var (
		id   Identity
		role string
	)
	err := d.db.QueryRow(ctx, query, hashToken(token), classID).Scan(&id.UserID, &id.DisplayName, &role)
	if errors.Is(err, pgx.ErrNoRows) {
		return Identity{}, fmt.Errorf("%w: token not valid for %q", ErrRejected, classID)
	}
	if err != nil {
		return Identity{}, fmt.Errorf("identity: resolve identity: %w", err)
	}
	id.Role = classroom.Role(role)
	if !id.Role.IsValid() {
		return Identity{}, fmt.Errorf("%w: user %q has unknown role %q", ErrRejected, id.UserID, role)
	}
	if id.DisplayName == "" {
		id.DisplayName = id.UserID
	}
	return id, nil
}

// SaveClass inserts or updates a class record.
func (d *PostgresDirectory) SaveClass(ctx context.Context, c Class) error {
	const query = `
		INSERT INTO classmesh_classes (class_id, room_id, title)
		VALUES ($1, $2, $3)
		ON CONFLICT (class_id) DO UPDATE
		SET room_id = EXCLUDED.room_id, title = EXCLUDED.title, active = TRUE`

	if _, err := d.db.Exec(ctx, query, c.ClassID, c.RoomID, c.Title); err != nil {
		return fmt.Errorf("identity: save class %q: %w", c.ClassID, err)
	}
	return nil
}

// Enroll inserts or updates a user and their role in a class.
func (d *PostgresDirectory) Enroll(ctx context.Context, classID string, id Identity) error {
	if !id.Role.IsValid() {
		return fmt.Errorf("identity: enroll %q: invalid role %q", id.UserID, id.Role)
	}
	const upsertUser = `
		INSERT INTO classmesh_users (user_id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET display_name = EXCLUDED.display_name`
	if _, err := d.db.Exec(ctx, upsertUser, id.UserID, id.DisplayName); err != nil {
		return fmt.Errorf("identity: save user %q: %w", id.UserID, err)
	}

	const upsertEnrollment = `
		INSERT INTO classmesh_enrollments (class_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (class_id, user_id) DO UPDATE SET role = EXCLUDED.role`
	if _, err := d.db.Exec(ctx, upsertEnrollment, classID, id.UserID, string(id.Role)); err != nil {
		return fmt.Errorf("identity: enroll %q in %q: %w", id.UserID, classID, err)
	}
	return nil
}

// IssueToken creates a random bearer token for userID. A zero ttl issues a
// token that never expires.
func (d *PostgresDirectory) IssueToken(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	var expires *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expires = &t
	}
	const query = `INSERT INTO classmesh_tokens (token_hash, user_id, expires_at) VALUES ($1, $2, $3)`
	if _, err := d.db.Exec(ctx, query, hashToken(token), userID, expires); err != nil {
		return "", fmt.Errorf("identity: issue token for %q: %w", userID, err)
	}
	return token, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
