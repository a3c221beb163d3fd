package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/missionctl/internal/bus"
)

const (
	wsWriteTimeout = 5 * time.Second
	maxRoomsPerMsg = 64
)

// wsRequest is a client command. Supported methods: subscribe,
// unsubscribe and ping.
type wsRequest struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params struct {
		Rooms []string `json:"rooms"`
	} `json:"params"`
}

// wsMessage is everything the server sends: command replies and pushed
// events.
type wsMessage struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Room   string          `json:"room,omitempty"`
	Params any             `json:"params,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	sub  *bus.Subscription
	mu   sync.Mutex
}

func (c *wsClient) write(ctx context.Context, msg wsMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, msg)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "event bus not configured"})
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the library.
		OriginPatterns: originPatterns(s.cfg.AllowOrigins),
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	c := &wsClient{conn: conn, sub: s.cfg.Bus.SubscribeRooms()}
	s.addClient(c)
	s.logger.Debug("ws: client connected", "remote", r.RemoteAddr)
	defer func() {
		cancel()
		s.removeClient(c)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	go s.forward(ctx, c)

	for {
		var req wsRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			if websocket.CloseStatus(err) == -1 {
				s.logger.Debug("ws: read error, closing", "error", err)
			}
			return
		}
		if err := c.write(ctx, s.handleWSRequest(c, req)); err != nil {
			s.logger.Debug("ws: write reply failed", "method", req.Method, "error", err)
			return
		}
	}
}

func (s *Server) handleWSRequest(c *wsClient, req wsRequest) wsMessage {
	reply := wsMessage{ID: req.ID, Method: req.Method}
	switch req.Method {
	case "subscribe", "unsubscribe":
		rooms, err := cleanRooms(req.Params.Rooms)
		if err != "" {
			reply.Error = err
			return reply
		}
		if req.Method == "subscribe" {
			c.sub.Join(rooms...)
		} else {
			c.sub.Leave(rooms...)
		}
		reply.Params = map[string]any{"rooms": c.sub.Rooms()}
	case "ping":
		reply.Method = "pong"
	default:
		reply.Error = "unknown method"
	}
	return reply
}

// forward pushes bus events for the client's rooms until ctx ends or the
// subscription closes.
func (s *Server) forward(ctx context.Context, c *wsClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.sub.Ch():
			if !ok {
				return
			}
			if err := c.write(ctx, wsMessage{Method: "event", Room: ev.Room, Params: ev.Notification}); err != nil {
				s.logger.Debug("ws: push failed", "room", ev.Room, "error", err)
				return
			}
		}
	}
}

func cleanRooms(rooms []string) ([]string, string) {
	if len(rooms) == 0 {
		return nil, "rooms required"
	}
	if len(rooms) > maxRoomsPerMsg {
		return nil, "too many rooms"
	}
	out := make([]string, 0, len(rooms))
	for _, room := range rooms {
		room = strings.TrimSpace(room)
		if room == "" {
			return nil, "empty room name"
		}
		out = append(out, room)
	}
	return out, ""
}

// originPatterns converts configured origins into host patterns for the
// websocket origin check.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}

func (s *Server) addClient(c *wsClient) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *wsClient) {
	s.cfg.Bus.Unsubscribe(c.sub)
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
