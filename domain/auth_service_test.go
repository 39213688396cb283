package domain

import (
	"context"
	"errors"
	"testing"
	"time"
)

var testHashParams = HashParams{Memory: 64, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

func newTestAuthService(now time.Time) (*AuthService, *fakeStore) {
	fs := newFakeStore()
	svc := NewAuthService(fs, fs, time.Hour)
	svc.params = testHashParams
	svc.now = func() time.Time { return now }
	return svc, fs
}

func TestSignUpOpensSession(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc, fs := newTestAuthService(now)

	sess, err := svc.SignUp(context.Background(), "Ada", " Ada@Example.com ", "correct horse")
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	u, ok := fs.users["ada@example.com"]
	if !ok {
		t.Fatalf("user not stored under normalized email: %#v", fs.users)
	}
	if u.PasswordHash == "correct horse" || u.PasswordHash == "" {
		t.Fatalf("password must be stored hashed, got %q", u.PasswordHash)
	}
	if sess.UserID != u.ID || !sess.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected session %#v", sess)
	}
	if _, ok := fs.sessions[sess.ID]; !ok {
		t.Fatalf("session not stored")
	}
}

func TestSignUpDuplicateEmail(t *testing.T) {
	svc, _ := newTestAuthService(time.Now())
	ctx := context.Background()
	if _, err := svc.SignUp(ctx, "Ada", "ada@example.com", "password1"); err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if _, err := svc.SignUp(ctx, "Other", "ADA@example.com", "password2"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestSignUpValidation(t *testing.T) {
	svc, fs := newTestAuthService(time.Now())
	_, err := svc.SignUp(context.Background(), "A", "not-an-email", "short")
	var verr *ValidationError
	if !errors.As(err, &verr) || len(verr.Fields) != 3 {
		t.Fatalf("expected three field errors, got %v", err)
	}
	if len(fs.users) != 0 {
		t.Fatalf("invalid sign up must not store a user")
	}
}

func TestSignInErrorsAreIndistinguishable(t *testing.T) {
	svc, _ := newTestAuthService(time.Now())
	ctx := context.Background()
	if _, err := svc.SignUp(ctx, "Ada", "ada@example.com", "password1"); err != nil {
		t.Fatalf("sign up: %v", err)
	}

	_, unknownErr := svc.SignIn(ctx, "nobody@example.com", "password1")
	_, wrongErr := svc.SignIn(ctx, "ada@example.com", "password2")
	if !errors.Is(unknownErr, ErrUnauthorized) || !errors.Is(wrongErr, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for both, got %v and %v", unknownErr, wrongErr)
	}
	if unknownErr.Error() != wrongErr.Error() {
		t.Fatalf("messages differ: %q vs %q", unknownErr, wrongErr)
	}

	sess, err := svc.SignIn(ctx, "ADA@example.com", "password1")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if sess.ID == "" {
		t.Fatalf("expected a session")
	}
}

func TestValidateSessionSlidingExpiry(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc, fs := newTestAuthService(now)
	ctx := context.Background()
	sess, err := svc.SignUp(ctx, "Ada", "ada@example.com", "password1")
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}

	// More than half the lifetime left: unchanged.
	svc.now = func() time.Time { return now.Add(20 * time.Minute) }
	got, err := svc.ValidateSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !got.ExpiresAt.Equal(sess.ExpiresAt) {
		t.Fatalf("session should not be extended yet: %v", got.ExpiresAt)
	}

	// Less than half left: extended by a full lifetime.
	later := now.Add(40 * time.Minute)
	svc.now = func() time.Time { return later }
	got, err = svc.ValidateSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !got.ExpiresAt.Equal(later.Add(time.Hour)) {
		t.Fatalf("expected extension to %v, got %v", later.Add(time.Hour), got.ExpiresAt)
	}
	if !fs.sessions[sess.ID].ExpiresAt.Equal(got.ExpiresAt) {
		t.Fatalf("extension not persisted")
	}
}

func TestValidateSessionExpired(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc, fs := newTestAuthService(now)
	ctx := context.Background()
	sess, err := svc.SignUp(ctx, "Ada", "ada@example.com", "password1")
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}

	svc.now = func() time.Time { return now.Add(2 * time.Hour) }
	if _, err := svc.ValidateSession(ctx, sess.ID); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if _, ok := fs.sessions[sess.ID]; ok {
		t.Fatalf("expired session should be deleted")
	}
}

func TestLogOutRevokesSession(t *testing.T) {
	svc, _ := newTestAuthService(time.Now())
	ctx := context.Background()
	sess, err := svc.SignUp(ctx, "Ada", "ada@example.com", "password1")
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if err := svc.LogOut(ctx, sess.ID); err != nil {
		t.Fatalf("log out: %v", err)
	}
	if _, err := svc.ValidateSession(ctx, sess.ID); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated after log out, got %v", err)
	}
	if err := svc.LogOut(ctx, sess.ID); err != nil {
		t.Fatalf("second log out should be a no-op, got %v", err)
	}
}
