package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// UserStorage defines methods required for account lookups. GetUserByEmail
// expects a normalized email and returns nil, nil when no account exists.
type UserStorage interface {
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	InsertUser(ctx context.Context, u User) error
}

// SessionStorage persists sessions. GetSession returns nil, nil for unknown ids.
type SessionStorage interface {
	InsertSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSessionExpiry(ctx context.Context, id string, expiresAt time.Time) error
	DeleteSession(ctx context.Context, id string) error
}

const DefaultSessionTTL = 30 * 24 * time.Hour

// AuthService owns accounts and sessions.
type AuthService struct {
	users     UserStorage
	sessions  SessionStorage
	ttl       time.Duration
	params    HashParams
	now       func() time.Time
	dummyHash string
}

func NewAuthService(users UserStorage, sessions SessionStorage, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	s := &AuthService{users: users, sessions: sessions, ttl: ttl, params: DefaultHashParams, now: time.Now}
	// Sign-ins for unknown emails verify against this hash so they cost the same
	// as a wrong password.
	if h, err := HashPassword(uuid.NewString(), s.params); err == nil {
		s.dummyHash = h
	}
	return s
}

// SignUp registers an account and opens its first session.
func (s *AuthService) SignUp(ctx context.Context, name, email, password string) (Session, error) {
	if err := ValidateSignUp(name, email, password); err != nil {
		return Session{}, err
	}
	email = NormalizeEmail(email)
	existing, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		return Session{}, s.internal(err, "sign_up")
	}
	if existing != nil {
		return Session{}, ErrConflict
	}
	hash, err := HashPassword(password, s.params)
	if err != nil {
		return Session{}, s.internal(err, "sign_up")
	}
	u := User{ID: uuid.NewString(), Name: name, Email: email, PasswordHash: hash, CreatedAt: s.now().UTC()}
	if err := s.users.InsertUser(ctx, u); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return Session{}, ErrConflict
		}
		return Session{}, s.internal(err, "sign_up")
	}
	log.WithField("user", u.ID).Info("user signed up")
	return s.openSession(ctx, u.ID)
}

// SignIn verifies credentials and opens a session. Unknown emails and wrong
// passwords fail with the same ErrUnauthorized.
func (s *AuthService) SignIn(ctx context.Context, email, password string) (Session, error) {
	if err := ValidateSignIn(email, password); err != nil {
		return Session{}, err
	}
	u, err := s.users.GetUserByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return Session{}, s.internal(err, "sign_in")
	}
	if u == nil {
		if s.dummyHash != "" {
			_, _ = VerifyPassword(s.dummyHash, password)
		}
		return Session{}, ErrUnauthorized
	}
	ok, err := VerifyPassword(u.PasswordHash, password)
	if err != nil {
		return Session{}, s.internal(err, "sign_in")
	}
	if !ok {
		return Session{}, ErrUnauthorized
	}
	log.WithField("user", u.ID).Info("user signed in")
	return s.openSession(ctx, u.ID)
}

// LogOut invalidates the session. Unknown sessions are ignored.
func (s *AuthService) LogOut(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := s.sessions.DeleteSession(ctx, sessionID); err != nil && !errors.Is(err, ErrRowNotFound) {
		return s.internal(err, "log_out")
	}
	return nil
}

// ValidateSession returns the live session for id. Sessions with less than
// half their lifetime left are extended by a full lifetime.
func (s *AuthService) ValidateSession(ctx context.Context, sessionID string) (Session, error) {
	if sessionID == "" {
		return Session{}, ErrUnauthenticated
	}
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, s.internal(err, "validate_session")
	}
	if sess == nil {
		return Session{}, ErrUnauthenticated
	}
	now := s.now()
	if sess.Expired(now) {
		if err := s.sessions.DeleteSession(ctx, sessionID); err != nil && !errors.Is(err, ErrRowNotFound) {
			log.WithError(err).WithField("session", sessionID).Warn("expired session cleanup failed")
		}
		return Session{}, ErrUnauthenticated
	}
	if sess.ExpiresAt.Sub(now) < s.ttl/2 {
		exp := now.Add(s.ttl).UTC()
		if err := s.sessions.UpdateSessionExpiry(ctx, sessionID, exp); err != nil {
			log.WithError(err).WithField("session", sessionID).Warn("session extension failed")
		} else {
			sess.ExpiresAt = exp
		}
	}
	return *sess, nil
}

func (s *AuthService) openSession(ctx context.Context, userID string) (Session, error) {
	sess := Session{ID: uuid.NewString(), UserID: userID, ExpiresAt: s.now().Add(s.ttl).UTC()}
	if err := s.sessions.InsertSession(ctx, sess); err != nil {
		return Session{}, s.internal(err, "open_session")
	}
	return sess, nil
}

func (s *AuthService) internal(err error, op string) error {
	if IsClassified(err) {
		return err
	}
	log.WithError(err).WithField("op", op).Error("auth store failure")
	return ErrInternal
}
