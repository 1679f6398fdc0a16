package auth

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/lecturegrab/internal/db"
)

type userRow struct {
	id   int64
	hash string
	err  error
}

func (r userRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*int64) = r.id
	if len(dest) > 1 {
		*dest[1].(*string) = r.hash
	}
	return nil
}

type users struct {
	byName map[string]userRow
}

func (u *users) Exec(ctx context.Context, sql string, args ...any) error { return nil }

func (u *users) QueryRow(ctx context.Context, sql string, args ...any) db.Row {
	if len(args) == 2 {
		row := userRow{id: int64(len(u.byName) + 1), hash: args[1].(string)}
		u.byName[args[0].(string)] = row
		return row
	}
	row, ok := u.byName[args[0].(string)]
	if !ok {
		return userRow{err: pgx.ErrNoRows}
	}
	return row
}

func (u *users) Query(ctx context.Context, sql string, args ...any) (db.Rows, error) {
	return nil, errors.New("not used")
}

func newStore() *Store {
	return NewStore(&users{byName: map[string]userRow{}}, bytes.Repeat([]byte("h"), 32), bytes.Repeat([]byte("b"), 32))
}

func TestCreateAndAuthenticate(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	_, err := s.CreateUser(ctx, "alice", "short")
	assert.Error(t, err)

	id, err := s.CreateUser(ctx, "alice", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	got, err := s.Authenticate(ctx, "alice", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = s.Authenticate(ctx, "alice", "wrong password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.Authenticate(ctx, "bob", "whatever1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSessionRoundTrip(t *testing.T) {
	s := newStore()
	rec := httptest.NewRecorder()
	require.NoError(t, s.SetSession(rec, httptest.NewRequest(http.MethodPost, "/login", nil), 42))

	req := httptest.NewRequest(http.MethodGet, "/api/task", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	sess, ok := s.GetSession(req)
	require.True(t, ok)
	assert.Equal(t, int64(42), sess.UserID)

	var seen int64
	h := s.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserIDFromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, int64(42), seen)
}

func TestRequireAuthRejects(t *testing.T) {
	s := newStore()
	h := s.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/task", nil)
	req.AddCookie(&http.Cookie{Name: cookieName, Value: "forged"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())
}

func TestClearSession(t *testing.T) {
	rec := httptest.NewRecorder()
	newStore().ClearSession(rec)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, -1, cookies[0].MaxAge)
}
