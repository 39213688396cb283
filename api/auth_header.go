package api

import (
	"errors"
	"net/http"
	"unsafe"

	"github.com/labstack/echo/v4"
)

const (
	sessionCookieName = "auth_session"
	streamTokenParam  = "token"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

var bearerPrefix = [...]byte{'B', 'e', 'a', 'r', 'e', 'r', ' '}

// tokenFromRequest finds the session token in the Authorization header, then
// the session cookie and, when allowQuery is set, the token query parameter.
// fromCookie reports whether the cookie supplied it.
func tokenFromRequest(c echo.Context, allowQuery bool) (token []byte, fromCookie bool, err error) {
	req := c.Request()
	if len(req.Header.Values(echo.HeaderAuthorization)) > 0 {
		token, err = bearerTokenFromHeader(req.Header)
		return token, false, err
	}
	if cookie, cerr := req.Cookie(sessionCookieName); cerr == nil && cookie.Value != "" {
		token, err = rawToken(cookie.Value)
		return token, true, err
	}
	if allowQuery {
		if q := c.QueryParam(streamTokenParam); q != "" {
			token, err = rawToken(q)
			return token, false, err
		}
	}
	return nil, false, errMissingAuthorization
}

func bearerTokenFromHeader(header http.Header) ([]byte, error) {
	values := header.Values(echo.HeaderAuthorization)
	if len(values) == 0 {
		return nil, errMissingAuthorization
	}
	return bearerTokenFromString(values[0])
}

func bearerTokenFromString(raw string) ([]byte, error) {
	start := 0
	end := len(raw)
	for start < end && raw[start] == ' ' {
		start++
	}
	for end > start && raw[end-1] == ' ' {
		end--
	}
	if start >= end {
		return nil, errMissingAuthorization
	}
	tokenBytes := readOnlyBytes(raw[start:end])
	if len(tokenBytes) <= len(bearerPrefix) || !hasBearerPrefix(tokenBytes) {
		return nil, errBadAuthorization
	}
	return rawToken(readOnlyString(tokenBytes[len(bearerPrefix):]))
}

// rawToken checks that s has the three segments of a compact JWT.
func rawToken(s string) ([]byte, error) {
	b := readOnlyBytes(s)
	if countByte(b, '.') != 2 {
		return nil, errBadAuthorization
	}
	return b, nil
}

func hasBearerPrefix(value []byte) bool {
	if len(value) < len(bearerPrefix) {
		return false
	}
	for i := range bearerPrefix {
		if value[i] != bearerPrefix[i] {
			return false
		}
	}
	return true
}

func countByte(buf []byte, target byte) int {
	count := 0
	for _, b := range buf {
		if b == target {
			count++
		}
	}
	return count
}

func readOnlyBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

func readOnlyString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}
