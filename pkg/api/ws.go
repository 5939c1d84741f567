package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"

	"github.com/loomworks/loom/pkg/broadcast"
)

// wsWriteTimeout bounds a single frame write so one dead client cannot stall
// its pump goroutine forever.
const wsWriteTimeout = 10 * time.Second

// clientMessage is what subscribers send over the socket. An omitted
// since_execution_order subscribes live-only; 0 replays the full history.
type clientMessage struct {
	Action              string `json:"action"` // subscribe | unsubscribe
	RunID               string `json:"run_id"`
	SinceExecutionOrder *int64 `json:"since_execution_order,omitempty"`
}

// wsConn serializes writes: frame pumps and control replies share one socket.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) writeJSON(ctx context.Context, v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, w.conn, v)
}

// handleWS upgrades the connection and runs the subscribe/unsubscribe loop.
// A lagged subscription closes the socket; the client reconnects with the
// last execution order it saw and gets a replay.
func (s *Server) handleWS(c *gin.Context) {
	opts := &websocket.AcceptOptions{}
	if len(s.opts.AllowedWSOrigins) > 0 {
		opts.OriginPatterns = s.opts.AllowedWSOrigins
	} else {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(c.Writer, c.Request, opts)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	w := &wsConn{conn: conn}
	subs := make(map[string]*broadcast.Subscription)
	var wg sync.WaitGroup
	defer func() {
		for _, sub := range subs {
			s.eng.Unsubscribe(sub)
		}
		cancel()
		wg.Wait()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		var msg clientMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}

		switch msg.Action {
		case "subscribe":
			if msg.RunID == "" {
				_ = w.writeJSON(ctx, gin.H{"type": "error", "error": "run_id is required"})
				continue
			}
			if _, dup := subs[msg.RunID]; dup {
				continue
			}
			sub, err := s.eng.Subscribe(ctx, msg.RunID, msg.SinceExecutionOrder)
			if err != nil {
				_ = w.writeJSON(ctx, gin.H{"type": "error", "error": err.Error()})
				continue
			}
			subs[msg.RunID] = sub
			_ = w.writeJSON(ctx, gin.H{"type": "subscribed", "run_id": msg.RunID})

			wg.Add(1)
			go func() {
				defer wg.Done()
				s.pumpFrames(ctx, w, sub)
			}()

		case "unsubscribe":
			if sub, ok := subs[msg.RunID]; ok {
				s.eng.Unsubscribe(sub)
				delete(subs, msg.RunID)
			}

		default:
			_ = w.writeJSON(ctx, gin.H{"type": "error", "error": "unknown action"})
		}
	}
}

// pumpFrames forwards one subscription to the socket until either side ends.
func (s *Server) pumpFrames(ctx context.Context, w *wsConn, sub *broadcast.Subscription) {
	for {
		select {
		case frame, ok := <-sub.Frames():
			if !ok {
				if errors.Is(sub.Err(), broadcast.ErrSubscriberLagged) {
					slog.Info("Subscriber lagged, closing for reconnect",
						"run_id", sub.RunID(), "last_order", sub.LastOrder())
					w.conn.Close(websocket.StatusTryAgainLater, "subscriber lagged, reconnect with last execution order")
				}
				return
			}
			if err := w.writeJSON(ctx, frame); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
