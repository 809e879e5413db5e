package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/classmesh/classmesh/pkg/classroom"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB types
// ---------------------------------------------------------------------------

// mockRow implements pgx.Row for testing.
type mockRow struct {
	values []any
	err    error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(r.values), len(dest))
	}
	for i, v := range r.values {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *int:
			*d = v.(int)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

type execCall struct {
	sql  string
	args []any
}

// mockDB implements the DB interface for testing.
type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	execErr      error
	execs        []execCall
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return m.queryRowFunc(ctx, sql, args...)
}

func (m *mockDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (m *mockDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.execs = append(m.execs, execCall{sql: sql, args: args})
	return pgconn.CommandTag{}, m.execErr
}

func rowOf(values ...any) func(context.Context, string, ...any) pgx.Row {
	return func(context.Context, string, ...any) pgx.Row { return &mockRow{values: values} }
}

func rowErr(err error) func(context.Context, string, ...any) pgx.Row {
	return func(context.Context, string, ...any) pgx.Row { return &mockRow{err: err} }
}

// ---------------------------------------------------------------------------
// Unit tests
// ---------------------------------------------------------------------------

func TestPostgres_ResolveClass(t *testing.T) {
	db := &mockDB{queryRowFunc: rowOf("algebra", "room-1", "Algebra")}
	d := NewPostgresDirectory(db)

	c, err := d.ResolveClass(context.Background(), "algebra")
	if err != nil {
		t.Fatalf("ResolveClass: %v", err)
	}
	if c != (Class{ClassID: "algebra", RoomID: "room-1", Title: "Algebra"}) {
		t.Errorf("class = %+v", c)
	}
}

func TestPostgres_ResolveClassNotFound(t *testing.T) {
	d := NewPostgresDirectory(&mockDB{queryRowFunc: rowErr(pgx.ErrNoRows)})
	if _, err := d.ResolveClass(context.Background(), "x"); !errors.Is(err, ErrClassNotFound) {
		t.Errorf("err = %v, want ErrClassNotFound", err)
	}
}

func TestPostgres_ResolveClassBackendError(t *testing.T) {
	boom := errors.New("connection reset")
	d := NewPostgresDirectory(&mockDB{queryRowFunc: rowErr(boom)})
	_, err := d.ResolveClass(context.Background(), "x")
	if !errors.Is(err, boom) || errors.Is(err, ErrClassNotFound) {
		t.Errorf("err = %v, want the backend error", err)
	}
}

func TestPostgres_ResolveIdentityHashesToken(t *testing.T) {
	var gotArgs []any
	db := &mockDB{queryRowFunc: func(_ context.Context, _ string, args ...any) pgx.Row {
		gotArgs = args
		return &mockRow{values: []any{"42", "", "student"}}
	}}
	d := NewPostgresDirectory(db)

	id, err := d.ResolveIdentity(context.Background(), "secret-token", "algebra")
	if err != nil {
		t.Fatalf("ResolveIdentity: %v", err)
	}
	if id.UserID != "42" || id.Role != classroom.RoleStudent {
		t.Errorf("identity = %+v", id)
	}
	if id.DisplayName != "42" {
		t.Errorf("display name = %q, want the user id fallback", id.DisplayName)
	}
	if len(gotArgs) != 2 || gotArgs[0] != hashToken("secret-token") || gotArgs[1] != "algebra" {
		t.Errorf("query args = %v", gotArgs)
	}
	if strings.Contains(fmt.Sprint(gotArgs), "secret-token") {
		t.Error("raw token must not be sent to the database")
	}
}

func TestPostgres_ResolveIdentityRejections(t *testing.T) {
	tests := []struct {
		name  string
		token string
		row   func(context.Context, string, ...any) pgx.Row
	}{
		{"no rows", "t", rowErr(pgx.ErrNoRows)},
		{"bad role", "t", rowOf("42", "Sam", "janitor")},
		{"empty token", "", rowOf("42", "Sam", "student")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewPostgresDirectory(&mockDB{queryRowFunc: tt.row})
			if _, err := d.ResolveIdentity(context.Background(), tt.token, "c"); !errors.Is(err, ErrRejected) {
				t.Errorf("err = %v, want ErrRejected", err)
			}
		})
	}
}

func TestPostgres_EnrollAndIssueToken(t *testing.T) {
	db := &mockDB{}
	d := NewPostgresDirectory(db)
	ctx := context.Background()

	if err := d.Enroll(ctx, "algebra", Identity{UserID: "7", DisplayName: "Ms. R", Role: classroom.RoleInstructor}); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if len(db.execs) != 2 {
		t.Fatalf("execs = %d, want user upsert and enrollment upsert", len(db.execs))
	}
	if got := db.execs[1].args; got[0] != "algebra" || got[1] != "7" || got[2] != "instructor" {
		t.Errorf("enrollment args = %v", got)
	}

	token, err := d.IssueToken(ctx, "7", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	last := db.execs[len(db.execs)-1]
	if last.args[0] != hashToken(token) || last.args[1] != "7" {
		t.Errorf("token args = %v", last.args)
	}
	if exp, ok := last.args[2].(*time.Time); !ok || exp == nil {
		t.Errorf("expires_at = %v, want a timestamp", last.args[2])
	}
}

func TestPostgres_EnrollRejectsInvalidRole(t *testing.T) {
	db := &mockDB{}
	err := NewPostgresDirectory(db).Enroll(context.Background(), "c", Identity{UserID: "1", Role: "ta"})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(db.execs) != 0 {
		t.Errorf("execs = %d, want none", len(db.execs))
	}
}

func TestPostgres_MigrateWrapsError(t *testing.T) {
	d := NewPostgresDirectory(&mockDB{execErr: errors.New("permission denied")})
	err := d.Migrate(context.Background())
	if err == nil || !strings.Contains(err.Error(), "identity: migrate") {
		t.Errorf("err = %v", err)
	}
}

func TestPostgres_Ping(t *testing.T) {
	d := NewPostgresDirectory(&mockDB{queryRowFunc: rowOf(1)})
	if err := d.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Integration test (requires a real PostgreSQL instance)
// ---------------------------------------------------------------------------

func TestPostgres_Integration(t *testing.T) {
	dsn := os.Getenv("CLASSMESH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CLASSMESH_TEST_POSTGRES_DSN not set; skipping integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer pool.Close()

	d := NewPostgresDirectory(pool)
	if err := d.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	classID := fmt.Sprintf("it-%d", time.Now().UnixNano())
	if err := d.SaveClass(ctx, Class{ClassID: classID, RoomID: "room-" + classID, Title: "Integration"}); err != nil {
		t.Fatalf("SaveClass: %v", err)
	}
	userID := "u-" + classID
	if err := d.Enroll(ctx, classID, Identity{UserID: userID, DisplayName: "Tester", Role: classroom.RoleStudent}); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	token, err := d.IssueToken(ctx, userID, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	c, err := d.ResolveClass(ctx, classID)
	if err != nil || c.RoomID != "room-"+classID {
		t.Fatalf("ResolveClass = %+v, %v", c, err)
	}
	id, err := d.ResolveIdentity(ctx, token, classID)
	if err != nil || id.UserID != userID || id.Role != classroom.RoleStudent {
		t.Fatalf("ResolveIdentity = %+v, %v", id, err)
	}
	if _, err := d.ResolveIdentity(ctx, token, "other-class"); !errors.Is(err, ErrRejected) {
		t.Errorf("other class err = %v, want ErrRejected", err)
	}
}
