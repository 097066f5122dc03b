package httpserver

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/Hugo0713/Kunpeng-AED/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamWebSocket sends every publisher event as a JSON envelope. Client
// messages are read and discarded so close frames are noticed.
func (s *Server) streamWebSocket(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", logger.Error(err))
		return nil
	}
	defer ws.Close()

	sub := s.pub.Subscribe()
	defer s.pub.Unsubscribe(sub.ID)

	log := s.log.With(logger.String("subscriber_id", sub.ID.String()), logger.String("ip", c.RealIP()))
	log.Info("websocket client connected")
	defer log.Info("websocket client disconnected")

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.heartbeat)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				s.closeWebSocket(ws, websocket.CloseGoingAway, "stream ended")
				<-gone
				return nil
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(ev); err != nil {
				log.Debug("websocket write failed", logger.Error(err))
				ws.Close()
				<-gone
				return nil
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				ws.Close()
				<-gone
				return nil
			}
		case <-gone:
			return nil
		case <-s.closing:
			s.closeWebSocket(ws, websocket.CloseGoingAway, "server shutting down")
			<-gone
			return nil
		}
	}
}

// closeWebSocket sends a close frame and lets the reader see the reply or
// time out.
func (s *Server) closeWebSocket(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		ws.Close()
		return
	}
	_ = ws.SetReadDeadline(time.Now().Add(writeTimeout))
}
