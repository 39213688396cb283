package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const defaultMaxBodyBytes = 64 << 10

// TaskService is the task surface the handlers depend on.
type TaskService interface {
	Create(ctx context.Context, ownerID string, in domain.TaskInput) (domain.Result, error)
	Update(ctx context.Context, ownerID, id string, in domain.TaskInput) (domain.Result, error)
	UpdateStatus(ctx context.Context, ownerID, id string, status domain.Status) (domain.Result, error)
	Delete(ctx context.Context, ownerID, id string) (domain.Result, error)
	GetAll(ctx context.Context, ownerID string) ([]domain.Task, error)
	GetByID(ctx context.Context, ownerID, id string) (domain.Task, error)
}

// AccountService is the account surface the handlers depend on.
type AccountService interface {
	SignUp(ctx context.Context, name, email, password string) (domain.Session, error)
	SignIn(ctx context.Context, email, password string) (domain.Session, error)
	LogOut(ctx context.Context, sessionID string) error
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the HTTP API. Deduper and Health may be nil.
type Deps struct {
	Tasks    TaskService
	Accounts AccountService
	Auth     *Auth
	Events   Subscriber
	Deduper  Deduper
	Health   Pinger

	MaxBodyBytes  int64
	SecureCookies bool
	KeepAlive     time.Duration
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps, logger *log.Logger) {
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = defaultMaxBodyBytes
	}
	h := &handlers{Deps: d, log: logger}

	authGroup := e.Group("/api/auth")
	authGroup.POST("/signup", h.signUp)
	authGroup.POST("/signin", h.signIn)
	authGroup.POST("/logout", h.logOut)

	tasks := e.Group("/api/tasks", RequireAuth(d.Auth, false, d.SecureCookies))
	tasks.GET("", h.getTasks)
	tasks.POST("", h.createTask)
	tasks.GET("/:id", h.getTask)
	tasks.PUT("/:id", h.updateTask)
	tasks.PATCH("/:id/status", h.updateTaskStatus)
	tasks.DELETE("/:id", h.deleteTask)

	if d.Events != nil {
		e.GET("/api/stream", streamEvents(d.Events, d.KeepAlive, logger), RequireAuth(d.Auth, true, d.SecureCookies))
	}
	e.GET("/healthz", h.healthz)
}

type handlers struct {
	Deps
	log *log.Logger
}

type signUpRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type statusRequest struct {
	Status domain.Status `json:"status"`
}

func sessionCookie(token string, expires time.Time, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (h *handlers) startSession(c echo.Context, status int, sess domain.Session) error {
	token, err := h.Auth.IssueToken(sess)
	if err != nil {
		return respondError(c, "issue_token", err)
	}
	c.SetCookie(sessionCookie(token, sess.ExpiresAt, h.SecureCookies))
	return c.JSON(status, sessionResponse{Token: token, ExpiresAt: sess.ExpiresAt})
}

func (h *handlers) signUp(c echo.Context) error {
	var req signUpRequest
	if err := decodeBody(c, h.MaxBodyBytes, &req); err != nil {
		return respondError(c, "decode", err)
	}
	sess, err := timed(c, func(ctx context.Context) (domain.Session, error) {
		return h.Accounts.SignUp(ctx, req.Name, req.Email, req.Password)
	})
	if err != nil {
		return respondError(c, "sign_up", err)
	}
	return h.startSession(c, http.StatusCreated, sess)
}

func (h *handlers) signIn(c echo.Context) error {
	var req signInRequest
	if err := decodeBody(c, h.MaxBodyBytes, &req); err != nil {
		return respondError(c, "decode", err)
	}
	sess, err := timed(c, func(ctx context.Context) (domain.Session, error) {
		return h.Accounts.SignIn(ctx, req.Email, req.Password)
	})
	if err != nil {
		return respondError(c, "sign_in", err)
	}
	return h.startSession(c, http.StatusOK, sess)
}

// logOut ends the caller's session if the request carries a live one. It
// always clears the cookie, so a stale client can log out too.
func (h *handlers) logOut(c echo.Context) error {
	if token, _, err := tokenFromRequest(c, false); err == nil {
		if id, err := h.Auth.Authenticate(c.Request().Context(), token); err == nil && id.SessionID != "" {
			if _, err := timed(c, func(ctx context.Context) (struct{}, error) {
				return struct{}{}, h.Accounts.LogOut(ctx, id.SessionID)
			}); err != nil {
				return respondError(c, "log_out", err)
			}
		}
	}
	cookie := sessionCookie("", time.Unix(0, 0), h.SecureCookies)
	cookie.MaxAge = -1
	c.SetCookie(cookie)
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) getTasks(c echo.Context) error {
	id := identityFrom(c)
	tasks, err := timed(c, func(ctx context.Context) ([]domain.Task, error) {
		return h.Tasks.GetAll(ctx, id.UserID)
	})
	if err != nil {
		return respondError(c, "list", err)
	}
	if m := metricsFrom(c); m != nil {
		m.SetTasksReturned(len(tasks))
	}
	return c.JSON(http.StatusOK, tasks)
}

func (h *handlers) getTask(c echo.Context) error {
	id := identityFrom(c)
	task, err := timed(c, func(ctx context.Context) (domain.Task, error) {
		return h.Tasks.GetByID(ctx, id.UserID, c.Param("id"))
	})
	if err != nil {
		return respondError(c, "get", err)
	}
	return c.JSON(http.StatusOK, task)
}

func (h *handlers) createTask(c echo.Context) error {
	id := identityFrom(c)
	var in domain.TaskInput
	if err := decodeBody(c, h.MaxBodyBytes, &in); err != nil {
		return respondError(c, "decode", err)
	}

	key := c.Request().Header.Get(idempotencyHeader)
	recorded := false
	if key != "" && h.Deduper != nil {
		if len(key) > maxIdempotencyKey {
			var verr domain.ValidationError
			verr.Add("idempotencyKey", "Idempotency key is too long.")
			return respondError(c, "idempotency", &verr)
		}
		added, err := h.Deduper.Add(c.Request().Context(), id.UserID, key)
		switch {
		case err != nil:
			// Without the dedupe store the create still goes through.
			h.logger().WithError(err).WithField("user_id", id.UserID).Warn("idempotency check failed")
		case !added:
			if m := metricsFrom(c); m != nil {
				m.SetReplayed(true)
			}
			c.Response().Header().Set(replayedHeader, "true")
			return c.JSON(http.StatusOK, domain.Result{Message: domain.MsgTaskCreated})
		default:
			recorded = true
		}
	}

	res, err := timed(c, func(ctx context.Context) (domain.Result, error) {
		return h.Tasks.Create(ctx, id.UserID, in)
	})
	if err != nil {
		if recorded {
			if rerr := h.Deduper.Remove(c.Request().Context(), id.UserID, key); rerr != nil {
				h.logger().WithError(rerr).WithField("user_id", id.UserID).Warn("release idempotency key failed")
			}
		}
		return respondError(c, "create", err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *handlers) updateTask(c echo.Context) error {
	id := identityFrom(c)
	var in domain.TaskInput
	if err := decodeBody(c, h.MaxBodyBytes, &in); err != nil {
		return respondError(c, "decode", err)
	}
	res, err := timed(c, func(ctx context.Context) (domain.Result, error) {
		return h.Tasks.Update(ctx, id.UserID, c.Param("id"), in)
	})
	if err != nil {
		return respondError(c, "update", err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *handlers) updateTaskStatus(c echo.Context) error {
	id := identityFrom(c)
	var req statusRequest
	if err := decodeBody(c, h.MaxBodyBytes, &req); err != nil {
		return respondError(c, "decode", err)
	}
	res, err := timed(c, func(ctx context.Context) (domain.Result, error) {
		return h.Tasks.UpdateStatus(ctx, id.UserID, c.Param("id"), req.Status)
	})
	if err != nil {
		return respondError(c, "update_status", err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *handlers) deleteTask(c echo.Context) error {
	id := identityFrom(c)
	res, err := timed(c, func(ctx context.Context) (domain.Result, error) {
		return h.Tasks.Delete(ctx, id.UserID, c.Param("id"))
	})
	if err != nil {
		return respondError(c, "delete", err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *handlers) healthz(c echo.Context) error {
	if h.Health != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := h.Health.Ping(ctx); err != nil {
			h.logger().WithError(err).Warn("health check failed")
			return c.NoContent(http.StatusServiceUnavailable)
		}
	}
	return c.NoContent(http.StatusOK)
}

func (h *handlers) logger() *log.Logger {
	if h.log == nil {
		return log.StandardLogger()
	}
	return h.log
}

// timed runs fn with the request context and records its duration as store time.
func timed[T any](c echo.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	start := time.Now()
	v, err := fn(c.Request().Context())
	if m := metricsFrom(c); m != nil {
		m.ObserveStore(time.Since(start))
	}
	return v, err
}
