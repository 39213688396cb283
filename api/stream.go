package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const defaultKeepAlive = 25 * time.Second

// Subscriber hands out per owner event subscriptions.
type Subscriber interface {
	Subscribe(ownerID string) (<-chan domain.TaskEvent, func())
}

// streamEvents keeps an SSE connection open and writes an invalidate frame for
// every task event of the caller. Clients refetch on each frame.
func streamEvents(hub Subscriber, keepAlive time.Duration, logger *log.Logger) echo.HandlerFunc {
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	return func(c echo.Context) error {
		id := identityFrom(c)
		ctx := c.Request().Context()

		events, unsubscribe := hub.Subscribe(id.UserID)
		defer unsubscribe()

		w := c.Response()
		w.Header().Set(echo.HeaderContentType, "text/event-stream")
		w.Header().Set(echo.HeaderCacheControl, "no-cache")
		w.Header().Set(echo.HeaderConnection, "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(":ok\n\n")); err != nil {
			return nil
		}
		w.Flush()

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
					return nil
				}
				w.Flush()
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				if err := writeInvalidate(w, ev); err != nil {
					if ctx.Err() == nil && logger != nil {
						logger.WithError(err).WithField("user_id", id.UserID).Debug("stream write failed")
					}
					return nil
				}
				w.Flush()
			}
		}
	}
}

func writeInvalidate(w http.ResponseWriter, ev domain.TaskEvent) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	frame := make([]byte, 0, len(data)+32)
	frame = append(frame, "event: invalidate\ndata: "...)
	frame = append(frame, data...)
	frame = append(frame, '\n', '\n')
	_, err = w.Write(frame)
	return err
}
