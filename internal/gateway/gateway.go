// Package gateway terminates editor websocket connections and dispatches
// their join and update events.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"ssreditor/api/internal/room"
	"ssreditor/api/internal/store"
	"ssreditor/api/internal/util"
)

type Rooms interface {
	Join(ctx context.Context, conn room.Conn, docID string)
	Update(docID string, payload any) int
	Leave(conn room.Conn)
}

type Scheduler interface {
	Schedule(docID string, patch store.DocumentPatch)
}

type TokenValidator interface {
	Validate(ctx context.Context, token string) bool
}

// UpdatePayload is the body of an update event. Fields a client leaves out
// stay nil and are neither broadcast nor written.
type UpdatePayload struct {
	DocID    string           `json:"doc_id"`
	Title    *string          `json:"title,omitempty"`
	Content  *string          `json:"content,omitempty"`
	Comments *[]store.Comment `json:"comments,omitempty"`
}

func (p UpdatePayload) Patch() store.DocumentPatch {
	return store.DocumentPatch{Title: p.Title, Content: p.Content, Comments: p.Comments}
}

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type Settings struct {
	WriteTimeout    time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration
	SendBuffer      int
	MaxMessageBytes int64
	AllowedOrigin   string
	RequireAuth     bool
}

func DefaultSettings() Settings {
	return Settings{
		WriteTimeout:    10 * time.Second,
		PongWait:        60 * time.Second,
		PingPeriod:      54 * time.Second,
		SendBuffer:      64,
		MaxMessageBytes: 4 << 20,
		AllowedOrigin:   "*",
	}
}

type Gateway struct {
	rooms     Rooms
	scheduler Scheduler
	validator TokenValidator
	settings  Settings
	upgrader  websocket.Upgrader
}

func New(rooms Rooms, scheduler Scheduler, validator TokenValidator, settings Settings) *Gateway {
	defaults := DefaultSettings()
	if settings.WriteTimeout <= 0 {
		settings.WriteTimeout = defaults.WriteTimeout
	}
	if settings.PongWait <= 0 {
		settings.PongWait = defaults.PongWait
	}
	if settings.PingPeriod <= 0 || settings.PingPeriod >= settings.PongWait {
		settings.PingPeriod = settings.PongWait * 9 / 10
	}
	if settings.SendBuffer <= 0 {
		settings.SendBuffer = defaults.SendBuffer
	}
	if settings.MaxMessageBytes <= 0 {
		settings.MaxMessageBytes = defaults.MaxMessageBytes
	}

	g := &Gateway{rooms: rooms, scheduler: scheduler, validator: validator, settings: settings}
	g.upgrader = websocket.Upgrader{CheckOrigin: g.checkOrigin}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	allowed := strings.TrimSpace(g.settings.AllowedOrigin)
	if allowed == "" || allowed == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == allowed
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.settings.RequireAuth {
		if g.validator == nil || !g.validator.Validate(r.Context(), requestToken(r)) {
			http.Error(w, "unauthenticated", http.StatusUnauthorized)
			return
		}
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("gateway: upgrade: %v", err)
		return
	}

	conn := &wsConn{
		id:   util.NewID("conn"),
		ws:   ws,
		send: make(chan room.Event, g.settings.SendBuffer),
		done: make(chan struct{}),
	}
	glog.V(1).Infof("gateway: %s connected from %s", conn.id, r.RemoteAddr)

	go g.writeLoop(conn)
	g.readLoop(conn)
}

// readLoop handles one connection's events in arrival order and runs until
// the connection drops.
func (g *Gateway) readLoop(conn *wsConn) {
	defer func() {
		g.rooms.Leave(conn)
		conn.close()
		glog.V(1).Infof("gateway: %s disconnected", conn.id)
	}()

	conn.ws.SetReadLimit(g.settings.MaxMessageBytes)
	_ = conn.ws.SetReadDeadline(time.Now().Add(g.settings.PongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(g.settings.PongWait))
	})

	for {
		_, message, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.V(1).Infof("gateway: %s read: %v", conn.id, err)
			}
			return
		}
		g.dispatch(conn, message)
	}
}

func (g *Gateway) dispatch(conn *wsConn, message []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		glog.V(1).Infof("gateway: %s sent an invalid frame: %v", conn.id, err)
		return
	}

	switch frame.Event {
	case room.EventJoin:
		var docID string
		if err := json.Unmarshal(frame.Data, &docID); err != nil || strings.TrimSpace(docID) == "" {
			glog.V(1).Infof("gateway: %s join without a document id", conn.id)
			return
		}
		g.rooms.Join(context.Background(), conn, strings.TrimSpace(docID))
	case room.EventUpdate:
		var payload UpdatePayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil || payload.DocID == "" {
			glog.V(1).Infof("gateway: %s sent an invalid update", conn.id)
			return
		}
		g.rooms.Update(payload.DocID, payload)
		g.scheduler.Schedule(payload.DocID, payload.Patch())
	default:
		glog.V(2).Infof("gateway: %s sent unknown event %q", conn.id, frame.Event)
	}
}

func (g *Gateway) writeLoop(conn *wsConn) {
	ticker := time.NewTicker(g.settings.PingPeriod)
	defer func() {
		ticker.Stop()
		conn.close()
	}()

	for {
		select {
		case <-conn.done:
			return
		case event := <-conn.send:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(g.settings.WriteTimeout))
			if err := conn.ws.WriteJSON(event); err != nil {
				glog.V(1).Infof("gateway: %s write: %v", conn.id, err)
				return
			}
		case <-ticker.C:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(g.settings.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func requestToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan room.Event

	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) ID() string { return c.id }

// Send queues e without blocking. A full buffer drops the event.
func (c *wsConn) Send(e room.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- e:
		return true
	default:
		return false
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
