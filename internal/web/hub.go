package web

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sweeney/nozzleflow/internal/logic"
	"github.com/sweeney/nozzleflow/internal/monitor"
	"github.com/sweeney/nozzleflow/internal/settings"
	"github.com/sweeney/nozzleflow/internal/store"
)

// Notification names on the WebSocket stream.
const (
	MsgPumpStateChanged        = "pumpStateChanged"
	MsgOverrideChanged         = "overriddenStateChanged"
	MsgStabilizedChanged       = "isStabilizedChanged"
	MsgNozzleEventTriggered    = "nozzleEventTriggered"
	MsgEventUpdated            = "eventUpdated"
	MsgSnapshotProcessed       = "snapshotProcessed"
	MsgControllerStatusChanged = "controllerStatusChanged"
	MsgCurrentJobChanged       = "currentJobChanged"
	MsgJobsChanged             = "jobsChanged"
	MsgSettingsChanged         = "settingsChanged"
	MsgSensorsChanged          = "sensorsChanged"
)

const (
	sendBuffer = 64
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Message is one notification frame.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub fans notifications out to WebSocket clients. A client that cannot
// keep up with its send buffer is disconnected.
type Hub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The touchscreen UI is served from its own origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends a notification to every client.
func (h *Hub) Broadcast(typ string, data any) {
	msg, err := json.Marshal(Message{Type: typ, Data: data})
	if err != nil {
		h.log.Error("encode notification", zap.String("type", typ), zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warn("websocket client too slow, disconnecting", zap.String("remote", c.conn.RemoteAddr().String()))
			h.removeLocked(c)
		}
	}
}

// Follow broadcasts every monitor, job store, sensor and settings
// notification. The returned func stops following.
func (h *Hub) Follow(m *monitor.Monitor, jobs *store.JobStore, sensors *store.SensorStore, acc *settings.Accessor) func() {
	unsubs := []func(){
		m.PumpStateChanged.Subscribe(func(s logic.PumpStatus) { h.Broadcast(MsgPumpStateChanged, s) }),
		m.OverrideChanged.Subscribe(func(s logic.PumpStatus) { h.Broadcast(MsgOverrideChanged, s) }),
		m.StabilizedChanged.Subscribe(func(s logic.PumpStatus) { h.Broadcast(MsgStabilizedChanged, s) }),
		m.NozzleEventTriggered.Subscribe(func(u monitor.EventUpdate) { h.Broadcast(MsgNozzleEventTriggered, u) }),
		m.EventUpdated.Subscribe(func(u monitor.EventUpdate) { h.Broadcast(MsgEventUpdated, u) }),
		m.SnapshotProcessed.Subscribe(func(r monitor.TickReport) { h.Broadcast(MsgSnapshotProcessed, r) }),
		m.ControllerStatusChanged.Subscribe(func(c monitor.ControllerStatus) { h.Broadcast(MsgControllerStatusChanged, c) }),
		jobs.CurrentJobChanged.Subscribe(func(id string) {
			h.Broadcast(MsgCurrentJobChanged, gin.H{"id": id})
		}),
		jobs.JobsChanged.Subscribe(func(struct{}) { h.Broadcast(MsgJobsChanged, nil) }),
		sensors.Changed.Subscribe(func(s []logic.Sensor) { h.Broadcast(MsgSensorsChanged, s) }),
		acc.Changed.Subscribe(func(s settings.Settings) { h.Broadcast(MsgSettingsChanged, s) }),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.removeLocked(c)
	}
}

func (h *Hub) serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	cl := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	h.clients[cl] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("websocket client connected", zap.String("remote", conn.RemoteAddr().String()), zap.Int("clients", n))

	go h.writeLoop(cl)
	h.readLoop(cl)
}

// readLoop discards client frames and detects disconnects.
func (h *Hub) readLoop(c *client) {
	defer func() {
		h.mu.Lock()
		h.removeLocked(c)
		h.mu.Unlock()
		h.log.Info("websocket client disconnected", zap.String("remote", c.conn.RemoteAddr().String()))
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeLocked must hold mu.
func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}
