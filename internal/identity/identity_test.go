package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pitchlab/roleplay/internal/domain"
	"github.com/pitchlab/roleplay/internal/store"
)

type userRepo struct {
	store.Repository

	mu    sync.Mutex
	users map[string]*domain.User
}

func newUserRepo() *userRepo {
	return &userRepo{users: make(map[string]*domain.User)}
}

func (r *userRepo) GetUser(_ context.Context, userID string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[userID], nil
}

func (r *userRepo) UpsertUser(_ context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.UserID] = user
	return nil
}

func (r *userRepo) UpdateLastSeen(_ context.Context, userID string, lastSeen time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[userID]; ok {
		u.LastSeenAt = lastSeen
	}
	return nil
}

func TestMiddlewareIssuesAnonymousIdentity(t *testing.T) {
	t.Parallel()

	repo := newUserRepo()
	var gotUserID, gotUsername string
	handler := Middleware(repo, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = UserIDFromContext(r.Context())
		gotUsername = UsernameFromContext(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if !isValidAnonID(gotUserID) {
		t.Fatalf("context user ID %q is not a valid anonymous ID", gotUserID)
	}
	if gotUsername == "" {
		t.Fatal("username missing from context")
	}

	// A cookie was set and the user row exists.
	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == AnonCookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("anonymous cookie not set")
	}
	if cookie.Value != gotUserID {
		t.Fatalf("cookie %q does not match context user %q", cookie.Value, gotUserID)
	}
	if u, _ := repo.GetUser(context.Background(), gotUserID); u == nil {
		t.Fatal("user row was not created")
	}
}

func TestMiddlewareReusesValidCookie(t *testing.T) {
	t.Parallel()

	repo := newUserRepo()
	var gotUserID string
	handler := Middleware(repo, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = UserIDFromContext(r.Context())
	}))

	const existing = "anon_0123456789abcdef0123456789abcdef"
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: existing})
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if gotUserID != existing {
		t.Fatalf("user ID = %q, want the existing cookie value", gotUserID)
	}
}

func TestMiddlewareRejectsMalformedCookie(t *testing.T) {
	t.Parallel()

	repo := newUserRepo()
	var gotUserID string
	handler := Middleware(repo, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = UserIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "../../etc/passwd"})
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if gotUserID == "../../etc/passwd" {
		t.Fatal("malformed cookie value accepted as identity")
	}
	if !isValidAnonID(gotUserID) {
		t.Fatalf("replacement ID %q is not valid", gotUserID)
	}
}

func TestDeriveUsername(t *testing.T) {
	t.Parallel()

	if got := deriveUsername("anon_0123456789abcdef0123456789abcdef"); got != "trainee-89abcdef" {
		t.Fatalf("deriveUsername = %q", got)
	}
	if got := deriveUsername("short"); got != "trainee" {
		t.Fatalf("deriveUsername of short ID = %q", got)
	}
}

func TestUserContextRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := WithUser(context.Background(), "anon_x", "trainee-x")
	if UserIDFromContext(ctx) != "anon_x" || UsernameFromContext(ctx) != "trainee-x" {
		t.Fatal("context round trip lost identity")
	}
	if UserIDFromContext(context.Background()) != "" {
		t.Fatal("empty context should yield empty user ID")
	}
}
