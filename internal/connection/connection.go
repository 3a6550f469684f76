package connection

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jhd3197/CachiBot-sub003/internal/auth"
	"github.com/jhd3197/CachiBot-sub003/internal/config"
	"github.com/jhd3197/CachiBot-sub003/internal/stats"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 64 * 1024
)

type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type handler[T any] struct {
	id int
	fn T
}

// handlerList dispatches over a snapshot of its entries and re-checks
// registration before each call, so handlers removed mid-dispatch are
// not invoked and handlers added mid-dispatch wait for the next
// notification.
type handlerList[T any] struct {
	mu      sync.Mutex
	nextId  int
	entries []handler[T]
}

func (l *handlerList[T]) add(fn T) (unsubscribe func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextId++
	id := l.nextId
	l.entries = append(l.entries, handler[T]{id: id, fn: fn})

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, e := range l.entries {
			if e.id == id {
				l.entries = append(l.entries[:i], l.entries[i+1:]...)
				return
			}
		}
	}
}

func (l *handlerList[T]) snapshot() []handler[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := make([]handler[T], len(l.entries))
	copy(entries, l.entries)
	return entries
}

func (l *handlerList[T]) registered(id int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.id == id {
			return true
		}
	}
	return false
}

// Connection owns one authenticated socket to one room. It is
// constructed when a room becomes active and torn down when the user
// leaves; it is never reused across rooms.
type Connection struct {
	socketURL        string
	tokens           auth.TokenSource
	dialer           *websocket.Dialer
	log              *log.Logger
	stats            stats.StatsProvider
	reconnectCeiling int
	reconnectBase    time.Duration
	clientId         string

	mu                sync.Mutex
	conn              *websocket.Conn
	roomId            string
	state             ConnState
	reconnectAttempts int
	intentionalClose  bool
	// epoch invalidates backoff timers and read loops that belong to
	// a previous connection attempt. It advances on every successful
	// open and on Disconnect.
	epoch          int
	reconnectTimer *time.Timer

	writeMu sync.Mutex

	msgHandlers        handlerList[func(*RoomEvent)]
	connectHandlers    handlerList[func()]
	disconnectHandlers handlerList[func(string)]
}

func NewConnection(cfg *config.Config, tokens auth.TokenSource, logger *log.Logger, sp stats.StatsProvider) *Connection {
	return &Connection{
		socketURL:        cfg.SocketURL,
		tokens:           tokens,
		dialer:           websocket.DefaultDialer,
		log:              logger,
		stats:            sp,
		reconnectCeiling: cfg.ReconnectCeiling,
		reconnectBase:    cfg.ReconnectBase,
		clientId:         uuid.NewString(),
	}
}

// State returns the current connection state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RoomId returns the room this connection is bound to, or "" when idle.
func (c *Connection) RoomId() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomId
}

func (c *Connection) connectURL(roomId string) (string, error) {
	u, err := url.Parse(c.socketURL)
	if err != nil {
		return "", fmt.Errorf("parse socket url: %w", err)
	}

	query := u.Query()
	query.Set("token", c.tokens.AccessToken())
	query.Set("room_id", roomId)
	query.Set("client_id", c.clientId)
	u.RawQuery = query.Encode()

	return u.String(), nil
}

// Connect opens the socket for the given room. It is a no-op if a
// connection is already open or opening for any room on this instance.
func (c *Connection) Connect(roomId string) error {
	c.mu.Lock()
	if c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}

	c.state = StateConnecting
	c.roomId = roomId
	c.intentionalClose = false
	epoch := c.epoch
	c.mu.Unlock()

	u, err := c.connectURL(roomId)
	if err != nil {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		return err
	}

	wsConn, _, err := c.dialer.Dial(u, nil)

	c.mu.Lock()
	if c.epoch != epoch || c.intentionalClose {
		// Disconnected while dialing.
		c.mu.Unlock()
		if wsConn != nil {
			wsConn.Close()
		}
		return nil
	}

	if err != nil {
		c.state = StateClosed
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return fmt.Errorf("dial room %q: %w", roomId, err)
	}

	c.conn = wsConn
	c.state = StateOpen
	c.reconnectAttempts = 0
	c.epoch++
	epoch = c.epoch
	c.mu.Unlock()

	c.log.Printf("connected to room %q", roomId)
	go c.readLoop(wsConn, epoch)
	c.notifyConnect()

	return nil
}

// Disconnect closes the socket intentionally. Backoff timers already
// scheduled become no-ops, and no further automatic reconnection will
// occur for this instance.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.intentionalClose = true
	c.epoch++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	roomId := c.roomId
	c.roomId = ""
	wasOpen := c.state == StateOpen
	c.state = StateClosed
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		conn.Close()
	}

	if wasOpen {
		c.log.Printf("disconnected from room %q", roomId)
		c.notifyDisconnect(roomId)
	}
}

func (c *Connection) readLoop(wsConn *websocket.Conn, epoch int) {
	defer wsConn.Close()

	wsConn.SetReadLimit(maxMessageSize)
	wsConn.SetReadDeadline(time.Now().Add(pongWait))
	wsConn.SetPingHandler(func(appData string) error {
		wsConn.SetReadDeadline(time.Now().Add(pongWait))
		return wsConn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, raw, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var ev RoomEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.log.Println("error parsing frame:", err)
			c.stats.Incr(stats.MetricFramesDropped)
			continue
		}

		c.stats.Incr(stats.MetricFramesDecoded)
		c.notifyMessage(&ev)
	}

	c.handleClose(epoch)
}

func (c *Connection) handleClose(epoch int) {
	c.mu.Lock()
	if c.epoch != epoch {
		// A stale read loop from a connection that was already
		// replaced or intentionally closed.
		c.mu.Unlock()
		return
	}

	c.conn = nil
	c.state = StateClosed
	roomId := c.roomId
	intentional := c.intentionalClose
	if !intentional {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	if !intentional {
		c.notifyDisconnect(roomId)
	}
}

// scheduleReconnectLocked arms the backoff timer for the next attempt.
// Callers must hold c.mu.
func (c *Connection) scheduleReconnectLocked() {
	if c.reconnectAttempts >= c.reconnectCeiling {
		c.log.Printf("room %q: reconnect ceiling reached, staying closed", c.roomId)
		return
	}

	c.reconnectAttempts++
	delay := c.reconnectBase << (c.reconnectAttempts - 1)
	c.stats.Incr(stats.MetricReconnectAttempts)
	c.log.Printf("room %q: reconnect attempt %d in %s", c.roomId, c.reconnectAttempts, delay)

	epoch := c.epoch
	roomId := c.roomId
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		stale := c.epoch != epoch || c.intentionalClose
		c.mu.Unlock()
		if stale {
			return
		}

		if err := c.Connect(roomId); err != nil {
			c.log.Println("reconnect:", err)
		}
	})
}

// Send serializes the command and writes it to the socket. Commands are
// silently dropped, not queued, when the connection is not open.
func (c *Connection) Send(cmd *ClientCommand) {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open || conn == nil {
		c.log.Printf("dropping %q command, connection not open", cmd.Type)
		c.stats.Incr(stats.MetricCommandsDropped)
		return
	}

	raw, err := json.Marshal(cmd)
	if err != nil {
		c.log.Println("failed to serialize command:", err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.log.Printf("write command: %s", err)
		return
	}

	c.stats.Incr(stats.MetricCommandsSent)
}

// SendChat submits chat text to the connected room.
func (c *Connection) SendChat(content string) {
	c.Send(NewChatCommand(c.RoomId(), content))
}

// SendTyping publishes the local user's typing indicator.
func (c *Connection) SendTyping(typing bool) {
	c.Send(NewTypingCommand(c.RoomId(), typing))
}

// StopBot requests cancellation of the given bot's in-flight turn.
func (c *Connection) StopBot(botId string) {
	c.Send(NewStopBotCommand(c.RoomId(), botId))
}

// OnMessage registers a handler for inbound room events. Handlers are
// invoked synchronously in registration order.
func (c *Connection) OnMessage(fn func(*RoomEvent)) (unsubscribe func()) {
	return c.msgHandlers.add(fn)
}

func (c *Connection) OnConnect(fn func()) (unsubscribe func()) {
	return c.connectHandlers.add(fn)
}

// OnDisconnect registers a handler invoked with the room id the
// connection was bound to when it dropped, whether the close was
// intentional or not.
func (c *Connection) OnDisconnect(fn func(roomId string)) (unsubscribe func()) {
	return c.disconnectHandlers.add(fn)
}

func (c *Connection) notifyMessage(ev *RoomEvent) {
	for _, h := range c.msgHandlers.snapshot() {
		if c.msgHandlers.registered(h.id) {
			h.fn(ev)
		}
	}
}

func (c *Connection) notifyConnect() {
	for _, h := range c.connectHandlers.snapshot() {
		if c.connectHandlers.registered(h.id) {
			h.fn()
		}
	}
}

func (c *Connection) notifyDisconnect(roomId string) {
	for _, h := range c.disconnectHandlers.snapshot() {
		if c.disconnectHandlers.registered(h.id) {
			h.fn(roomId)
		}
	}
}
