package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/tuma/internal/deploy"
)

const (
	// streamRequestTimeout bounds how long we wait for the client to send
	// the deployment request after the upgrade.
	streamRequestTimeout = 30 * time.Second
	streamWriteTimeout   = 10 * time.Second
)

// StreamMessage is one frame of the WebSocket deployment stream. Type is
// "event" for stage progress and "result" for the terminal frame.
type StreamMessage struct {
	Type   string        `json:"type"`
	Event  *deploy.Event `json:"event,omitempty"`
	Result any           `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// handleStream upgrades the connection, reads one deployment request as the
// first text frame, and streams stage events followed by a terminal result
// frame.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	clientID, ok := g.authenticateStream(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if g.limiter != nil {
		if err := g.limiter.Allow(clientID); err != nil {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "deployment finished")

	ctx := r.Context()

	req, err := g.readStreamRequest(ctx, conn)
	if err != nil {
		g.logger.Warn("invalid stream request",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
		g.writeFrame(ctx, conn, &StreamMessage{Type: "result", Error: err.Error()})
		return
	}

	correlationID := newCorrelationID()
	g.logger.Info("streaming deploy",
		slog.String("client_id", clientID),
		slog.String("correlation_id", correlationID),
		slog.Int("files", len(req.Files)),
	)

	var mu sync.Mutex
	sink := func(ev deploy.Event) {
		mu.Lock()
		defer mu.Unlock()
		g.writeFrame(ctx, conn, &StreamMessage{Type: "event", Event: &ev})
	}

	out := g.runner.Run(ctx, req, deploy.WithEventSink(sink))
	g.record(ctx, out)

	mu.Lock()
	g.writeFrame(ctx, conn, &StreamMessage{Type: "result", Result: deploy.Format(out)})
	mu.Unlock()
}

// authenticateStream checks the token from the query string or the
// Authorization header. WebSocket clients in browsers cannot set headers,
// hence the query fallback.
func (g *Gateway) authenticateStream(r *http.Request) (string, bool) {
	if len(g.config.APIKeys) == 0 {
		return "anonymous", true
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		header := r.Header.Get("Authorization")
		if len(header) > 7 && header[:7] == "Bearer " {
			token = header[7:]
		}
	}
	if token == "" {
		return "", false
	}

	for _, key := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			return deriveClientID(key), true
		}
	}
	return "", false
}

func (g *Gateway) readStreamRequest(ctx context.Context, conn *websocket.Conn) (*deploy.Request, error) {
	readCtx, cancel := context.WithTimeout(ctx, streamRequestTimeout)
	defer cancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		return nil, err
	}

	var req deploy.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (g *Gateway) writeFrame(ctx context.Context, conn *websocket.Conn, msg *StreamMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		g.logger.Error("marshaling stream frame failed", slog.String("error", err.Error()))
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()

	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		g.logger.Warn("writing stream frame failed", slog.String("error", err.Error()))
	}
}
