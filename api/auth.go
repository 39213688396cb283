package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"

	"taskboard/domain"
)

const defaultJWKSCacheTTL = 15 * time.Minute

// SessionValidator resolves a session id to a live session.
type SessionValidator interface {
	ValidateSession(ctx context.Context, sessionID string) (domain.Session, error)
}

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID    string
	SessionID string // empty for externally issued tokens
	ExpiresAt time.Time
}

var (
	errInvalidSigningMethod = errors.New("invalid signing method")
	errInvalidClaims        = errors.New("invalid claims")
	errTokenSession         = errors.New("token does not match session")
)

func isTokenError(err error) bool {
	var verr *jwt.ValidationError
	return errors.As(err, &verr) ||
		errors.Is(err, errMissingAuthorization) ||
		errors.Is(err, errBadAuthorization) ||
		errors.Is(err, errInvalidSigningMethod) ||
		errors.Is(err, errInvalidClaims) ||
		errors.Is(err, errTokenSession)
}

// Auth issues and validates session tokens. Session tokens are HS256 JWTs
// naming a server side session; they stay valid exactly as long as the
// session does. When a JWKS is configured, RS256 tokens from that issuer are
// accepted too and identify the user by their subject.
type Auth struct {
	secret   []byte
	sessions SessionValidator

	JWKS     *keyfunc.JWKS
	Audience string
	Issuer   string

	parser      *jwt.Parser
	rsaKey      func(*jwt.Token) (any, error)
	keyCache    sync.Map
	keyCacheTTL time.Duration
	now         func() time.Time
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates an Auth signing with secret and checking sessions against v.
func NewAuth(secret []byte, v SessionValidator) *Auth {
	a := &Auth{
		secret:      secret,
		sessions:    v,
		parser:      jwt.NewParser(jwt.WithValidMethods([]string{"HS256", "RS256"})),
		keyCacheTTL: defaultJWKSCacheTTL,
		now:         time.Now,
	}
	a.rsaKey = a.keyForToken
	return a
}

// WithJWKS enables external RS256 tokens verified against jwks.
func (a *Auth) WithJWKS(jwks *keyfunc.JWKS, audience, issuer string, cacheTTL time.Duration) *Auth {
	a.JWKS = jwks
	a.Audience = audience
	a.Issuer = issuer
	if cacheTTL > 0 {
		a.keyCacheTTL = cacheTTL
	}
	return a
}

type sessionClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// IssueToken signs a token for sess.
func (a *Auth) IssueToken(sess domain.Session) (string, error) {
	claims := sessionClaims{
		SessionID: sess.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  sess.UserID,
			IssuedAt: jwt.NewNumericDate(a.now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Authenticate validates a raw token and resolves the caller.
func (a *Auth) Authenticate(ctx context.Context, token []byte) (Identity, error) {
	if len(token) == 0 {
		return Identity{}, errBadAuthorization
	}
	parsed, err := a.parser.Parse(readOnlyString(token), func(t *jwt.Token) (any, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodHMAC:
			return a.secret, nil
		case *jwt.SigningMethodRSA:
			return a.rsaKey(t)
		}
		return nil, errInvalidSigningMethod
	})
	if err != nil {
		return Identity{}, err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, errInvalidClaims
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, errInvalidClaims
	}

	if _, ok := parsed.Method.(*jwt.SigningMethodRSA); ok {
		return a.externalIdentity(claims, sub)
	}

	sid, _ := claims["sid"].(string)
	if sid == "" {
		return Identity{}, errInvalidClaims
	}
	sess, err := a.sessions.ValidateSession(ctx, sid)
	if err != nil {
		return Identity{}, err
	}
	if sess.UserID != sub {
		return Identity{}, errTokenSession
	}
	return Identity{UserID: sess.UserID, SessionID: sess.ID, ExpiresAt: sess.ExpiresAt}, nil
}

func (a *Auth) externalIdentity(claims jwt.MapClaims, sub string) (Identity, error) {
	now := a.now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(a.now().Unix(), true) {
		return Identity{}, errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return Identity{}, errors.New("token not valid yet")
	}
	if !claims.VerifyIssuedAt(now, false) {
		return Identity{}, errors.New("token used before issued")
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, true) {
		return Identity{}, errors.New("invalid audience")
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, true) {
		return Identity{}, errors.New("invalid issuer")
	}
	var exp time.Time
	if v, ok := claims["exp"].(float64); ok {
		exp = time.Unix(int64(v), 0).UTC()
	}
	return Identity{UserID: sub, ExpiresAt: exp}, nil
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.JWKS == nil {
		return nil, errInvalidSigningMethod
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if a.now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}

	if kid != "" && a.keyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: a.now().Add(a.keyCacheTTL)})
	}
	return key, nil
}

const identityKey = "identity"

// RequireAuth rejects requests without a valid token and stores the caller's
// Identity on the context. allowQuery admits the token query parameter, for
// clients like EventSource that cannot set headers.
func RequireAuth(a *Auth, allowQuery bool, secureCookies bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m := metricsFrom(c)
			start := time.Now()
			token, fromCookie, err := tokenFromRequest(c, allowQuery)
			var id Identity
			if err == nil {
				id, err = a.Authenticate(c.Request().Context(), token)
			}
			if m != nil {
				m.ObserveAuth(time.Since(start))
			}
			if err != nil {
				if !errors.Is(err, domain.ErrInternal) {
					err = errors.Join(domain.ErrUnauthenticated, err)
				}
				return respondError(c, "auth", err)
			}
			if m != nil {
				m.SetUser(true)
			}
			if fromCookie && id.SessionID != "" {
				// Keep the cookie's lifetime in step with a sliding session.
				c.SetCookie(sessionCookie(readOnlyString(token), id.ExpiresAt, secureCookies))
			}
			c.Set(identityKey, id)
			return next(c)
		}
	}
}

func identityFrom(c echo.Context) Identity {
	id, _ := c.Get(identityKey).(Identity)
	return id
}
