package web

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/drivebase/internal/debug"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsReadLimit  = 4096
)

// Command is a client message on /ws. Exactly one of Velocity or Enabled
// should be set.
type Command struct {
	Motor    string   `json:"motor"`
	Velocity *float64 `json:"velocity,omitempty"`
	Enabled  *bool    `json:"enabled,omitempty"`
}

// Reply answers one Command.
type Reply struct {
	Motor string `json:"motor"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsClient is one websocket connection. It owns its outgoing queue: the
// broadcaster subscription plus its own replies.
type wsClient struct {
	conn    *websocket.Conn
	h       *Handlers
	events  <-chan string
	unsub   func()
	replies chan Reply
	done    chan struct{}
	once    sync.Once
}

// HandleWebSocket handles GET /ws. The server pushes every broadcast event;
// the client may send Commands.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Info("web: websocket upgrade failed: %v", err)
		return
	}

	events, unsub := h.Broadcaster.Subscribe()
	c := &wsClient{
		conn:    conn,
		h:       h,
		events:  events,
		unsub:   unsub,
		replies: make(chan Reply, 16),
		done:    make(chan struct{}),
	}
	debug.Live("web: websocket client %s connected", r.RemoteAddr)

	go c.writePump()
	c.readPump()
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.unsub()
		_ = c.conn.Close()
	})
}

func (c *wsClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(wsReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				debug.Info("web: websocket read: %v", err)
			}
			return
		}
		reply := c.handle(data)
		select {
		case c.replies <- reply:
		case <-c.done:
			return
		default:
			// reply queue full, drop
		}
	}
}

func (c *wsClient) handle(data []byte) Reply {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Reply{Error: "invalid JSON"}
	}
	reply := Reply{Motor: cmd.Motor}
	var err error
	switch {
	case cmd.Velocity != nil && cmd.Enabled != nil:
		reply.Error = "set either velocity or enabled"
		return reply
	case cmd.Velocity != nil:
		if err = ValidateVelocity(*cmd.Velocity); err == nil {
			err = c.h.Motors.SetVelocity(cmd.Motor, *cmd.Velocity)
		}
	case cmd.Enabled != nil:
		err = c.h.Motors.SetEnabled(cmd.Motor, *cmd.Enabled)
	default:
		reply.Error = "nothing to do"
		return reply
	}
	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	reply.OK = true
	return reply
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg, ok := <-c.events:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}

		case reply := <-c.replies:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(reply); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
