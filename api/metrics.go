package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName         = "taskboard/api"
	requestSpanName    = "taskboard.http.request"
	requestEventName   = "taskboard.request.completed"
	requestEventDomain = "taskboard"
	observabilityEvent = "observability.event"
	metricsKey         = "request_metrics"
)

type requestMetrics struct {
	logger        *log.Logger
	span          trace.Span
	start         time.Time
	method        string
	route         string
	authDuration  time.Duration
	storeDuration time.Duration
	userPresent   bool
	tasksReturned int
	replayed      bool
	errorStage    string
	err           error
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, method, route string) (*requestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, requestSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		),
	)
	return &requestMetrics{
		logger:        logger,
		span:          span,
		start:         time.Now(),
		method:        method,
		route:         route,
		tasksReturned: -1,
	}, spanCtx
}

func (m *requestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *requestMetrics) ObserveStore(d time.Duration) {
	if d > 0 {
		m.storeDuration = d
	}
}

func (m *requestMetrics) SetUser(present bool) { m.userPresent = present }

func (m *requestMetrics) SetTasksReturned(n int) {
	if n < 0 {
		n = 0
	}
	m.tasksReturned = n
}

func (m *requestMetrics) SetReplayed(replayed bool) { m.replayed = replayed }

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

func (m *requestMetrics) SetError(err error) {
	if err != nil {
		m.err = err
	}
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	}
	return "INFO", 9
}

func logLevelFor(severity string) log.Level {
	switch severity {
	case "ERROR":
		return log.ErrorLevel
	case "WARN":
		return log.WarnLevel
	}
	return log.InfoLevel
}

// Log ends the request span and emits one structured event for the request.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	if err == nil {
		err = m.err
	}
	// Client errors are expected outcomes; only server side failures mark the
	// span as failed.
	var spanErr error
	if status >= http.StatusInternalServerError || (err != nil && status < http.StatusBadRequest) {
		spanErr = err
		if spanErr == nil {
			spanErr = fmt.Errorf("status %d", status)
		}
	}
	severityText, severityNumber := severityForStatus(status, spanErr)

	attrs := map[string]any{
		"http.method":                m.method,
		"http.route":                 m.route,
		"http.status_code":           status,
		"taskboard.request.total_ms": durationToMillis(time.Since(m.start)),
		"taskboard.request.user":     m.userPresent,
		"taskboard.request.replayed": m.replayed,
	}
	if m.authDuration > 0 {
		attrs["taskboard.request.auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.storeDuration > 0 {
		attrs["taskboard.request.store_ms"] = durationToMillis(m.storeDuration)
	}
	if m.tasksReturned >= 0 {
		attrs["taskboard.request.tasks_returned"] = m.tasksReturned
	}
	if m.errorStage != "" {
		attrs["taskboard.request.error_stage"] = m.errorStage
	}
	if err != nil {
		attrs["error.message"] = err.Error()
	}

	kvs := toAttributes(attrs)
	m.span.SetAttributes(kvs...)
	eventAttrs := append(kvs,
		attribute.String("event.name", requestEventName),
		attribute.String("event.domain", requestEventDomain),
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
	)
	m.span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))
	if spanErr != nil {
		m.span.SetStatus(codes.Error, spanErr.Error())
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	traceID := m.span.SpanContext().TraceID()
	m.span.End()

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      requestEventName,
		"event.domain":    requestEventDomain,
		"attributes":      attrs,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if traceID.IsValid() {
		fields["trace_id"] = traceID.String()
	}
	m.logger.WithFields(fields).Log(logLevelFor(severityText), observabilityEvent)
}

func toAttributes(values map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(values))
	for k, v := range values {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case int64:
			out = append(out, attribute.Int64(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		default:
			out = append(out, attribute.String(k, fmt.Sprint(val)))
		}
	}
	return out
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

// RequestMetrics wraps every request in a span and logs one event per request.
func RequestMetrics(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			m, ctx := newRequestMetrics(c.Request().Context(), logger, c.Request().Method, route)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set(metricsKey, m)
			defer func() {
				if err != nil {
					c.Error(err)
				}
				m.Log(c.Response().Status, err)
			}()
			return next(c)
		}
	}
}

func metricsFrom(c echo.Context) *requestMetrics {
	m, _ := c.Get(metricsKey).(*requestMetrics)
	return m
}
