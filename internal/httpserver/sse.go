package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Hugo0713/Kunpeng-AED/internal/logger"
	"github.com/Hugo0713/Kunpeng-AED/internal/publisher"
)

// streamEvents serves the publisher as server-sent events. Each event's
// name is its type and its data the JSON payload.
func (s *Server) streamEvents(c echo.Context) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	sub := s.pub.Subscribe()
	defer s.pub.Unsubscribe(sub.ID)

	log := s.log.With(logger.String("subscriber_id", sub.ID.String()), logger.String("ip", c.RealIP()))
	log.Info("sse client connected")
	defer log.Info("sse client disconnected")

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := writeSSE(res, ev); err != nil {
				log.Debug("sse write failed", logger.Error(err))
				return nil
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(res, ": keep-alive\n\n"); err != nil {
				return nil
			}
			res.Flush()
		case <-c.Request().Context().Done():
			return nil
		case <-s.closing:
			return nil
		}
	}
}

func writeSSE(res *echo.Response, ev publisher.Event) error {
	data, err := json.Marshal(ev.Data())
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	res.Flush()
	return nil
}
