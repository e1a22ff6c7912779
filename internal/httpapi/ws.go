package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aegisai/aegis/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 20 * time.Second
	wsPollInterval = time.Second
)

// handleProgressWS streams experiment progress until the run reaches a
// terminal status. Browsers cannot set headers on WebSocket requests, so
// the access token arrives as a query parameter.
func (s *Server) handleProgressWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	uc, err := s.authSvc.JWTManager().ValidateAccessToken(token)
	if err != nil {
		s.writeError(w, err)
		return
	}
	experimentID, err := pathUUID(r, "eid")
	if err != nil {
		s.writeError(w, err)
		return
	}
	e, err := s.store.ExperimentByID(r.Context(), experimentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.store.ProjectByID(r.Context(), e.ProjectID, uc.UserID); err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Reader pump. Client messages are discarded; reading surfaces close
	// frames and keeps the pong handler running.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	poll := time.NewTicker(wsPollInterval)
	defer poll.Stop()
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-poll.C:
			e, err := s.store.ExperimentByID(r.Context(), experimentID)
			if err != nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(s.experimentProgress(r.Context(), e)); err != nil {
				return
			}
			switch e.Status {
			case string(models.ExperimentCompleted),
				string(models.ExperimentFailed),
				string(models.ExperimentCancelled):
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
					time.Now().Add(wsWriteWait))
				return
			}
		}
	}
}
