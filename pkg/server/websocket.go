package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/dotsetgreg/biographer/pkg/interview"
	"github.com/dotsetgreg/biographer/pkg/logger"
)

const (
	wsMaxMessageSize = 64 << 10
	wsReadTimeout    = 10 * time.Minute
	wsWriteTimeout   = 10 * time.Second
	wsPingInterval   = 30 * time.Second
)

// Client frames: start, answer, skip, like, end.
// Server frames: question, ended, ack, error.
type wsFrame struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Greeting   string `json:"greeting,omitempty"`
	Restart    bool   `json:"restart,omitempty"`
	SessionID  int64  `json:"session_id,omitempty"`
	Seq        int64  `json:"seq,omitempty"`
	ArchiveRef string `json:"archive_ref,omitempty"`
}

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(f wsFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// websocket runs an interview over one connection. Frames are handled in
// order, so a connection never has two turns in flight.
func (s *Server) websocket(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "userID")
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("server", "WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	c := &wsConn{conn: ws}
	defer ws.Close()

	ws.SetReadLimit(wsMaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(wsReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.ping(); err != nil {
					return
				}
			}
		}
	}()

	logger.DebugCF("server", "WebSocket connected", map[string]interface{}{"user_id": user})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WarnCF("server", "WebSocket read failed", map[string]interface{}{"user_id": user, "error": err.Error()})
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(wsReadTimeout))

		var in wsFrame
		if err := json.Unmarshal(data, &in); err != nil {
			_ = c.send(wsFrame{Type: "error", Text: "invalid JSON frame"})
			continue
		}
		out := s.handleFrame(r, user, in)
		if err := c.send(out); err != nil {
			return
		}
	}
}

func (s *Server) handleFrame(r *http.Request, user string, in wsFrame) wsFrame {
	ctx := r.Context()
	var (
		sess     *interview.Session
		res      interview.TurnResult
		greeting string
		err      error
	)
	switch in.Type {
	case "start":
		sess, err = s.ctrl.StartSession(ctx, user, interview.StartOptions{Restart: in.Restart})
		if err == nil {
			res, err = s.ctrl.Greet(ctx, sess)
		}
	case "answer", "skip", "like":
		sess, res, greeting, err = s.turn(r, user, turnRequest{Action: in.Type, Text: in.Text})
	case "end":
		sess, err = s.ctrl.Current(ctx, user)
		if err == nil {
			var ref string
			ref, err = s.ctrl.EndSession(ctx, sess)
			if err == nil {
				return wsFrame{Type: "ended", SessionID: sess.ID(), ArchiveRef: ref}
			}
		}
	default:
		return wsFrame{Type: "error", Text: "unknown frame type: " + in.Type}
	}
	if err != nil {
		if statusFor(err) >= http.StatusInternalServerError {
			logger.ErrorCF("server", "WebSocket turn failed", map[string]interface{}{"user_id": user, "error": err.Error()})
		}
		return wsFrame{Type: "error", Text: err.Error()}
	}

	out := wsFrame{Type: "question", Text: res.Event.Content, Greeting: greeting, SessionID: sess.ID(), Seq: res.Event.Seq}
	switch {
	case res.Ended:
		out.Type = "ended"
		out.ArchiveRef = res.ArchiveRef
	case in.Type == "like":
		out.Type = "ack"
	}
	return out
}
