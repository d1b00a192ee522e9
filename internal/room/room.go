// Package room tracks which live connections are viewing which document and
// fans events out to them.
package room

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"

	"ssreditor/api/internal/store"
)

const (
	EventJoin     = "join"
	EventEnterDoc = "enterDoc"
	EventUpdate   = "update"
)

// Event is one frame sent to a connection.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// Conn is a live client connection. Send must not block; it reports false
// when the event was dropped.
type Conn interface {
	ID() string
	Send(Event) bool
}

type Loader interface {
	GetDocument(ctx context.Context, docID string) (store.Document, error)
}

type Broadcaster struct {
	loader Loader

	mu    sync.RWMutex
	rooms map[string]map[Conn]struct{}
	joins map[Conn]map[string]struct{}
}

func NewBroadcaster(loader Loader) *Broadcaster {
	return &Broadcaster{
		loader: loader,
		rooms:  make(map[string]map[Conn]struct{}),
		joins:  make(map[Conn]map[string]struct{}),
	}
}

// Join puts conn in the room of docID and sends it the stored document. A
// document that is missing or fails to load is sent as null.
func (b *Broadcaster) Join(ctx context.Context, conn Conn, docID string) {
	b.mu.Lock()
	members, ok := b.rooms[docID]
	if !ok {
		members = make(map[Conn]struct{})
		b.rooms[docID] = members
	}
	members[conn] = struct{}{}
	docs, ok := b.joins[conn]
	if !ok {
		docs = make(map[string]struct{})
		b.joins[conn] = docs
	}
	docs[docID] = struct{}{}
	b.mu.Unlock()

	var data any
	doc, err := b.loader.GetDocument(ctx, docID)
	switch {
	case err == nil:
		data = doc
	case errors.Is(err, store.ErrNotFound):
	default:
		glog.Warningf("room: load %s for %s: %v", docID, conn.ID(), err)
	}

	if !conn.Send(Event{Name: EventEnterDoc, Data: data}) {
		glog.Warningf("room: enterDoc for %s dropped on %s", docID, conn.ID())
	}
}

// Update sends payload to every connection in the room of docID, the sender
// included. It returns the number of connections the event was queued for.
func (b *Broadcaster) Update(docID string, payload any) int {
	b.mu.RLock()
	members := make([]Conn, 0, len(b.rooms[docID]))
	for conn := range b.rooms[docID] {
		members = append(members, conn)
	}
	b.mu.RUnlock()

	event := Event{Name: EventUpdate, Data: payload}
	delivered := 0
	for _, conn := range members {
		if conn.Send(event) {
			delivered++
		} else if glog.V(1) {
			glog.Infof("room: update for %s dropped on %s", docID, conn.ID())
		}
	}
	return delivered
}

// Leave removes conn from every room it joined.
func (b *Broadcaster) Leave(conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for docID := range b.joins[conn] {
		members := b.rooms[docID]
		delete(members, conn)
		if len(members) == 0 {
			delete(b.rooms, docID)
		}
	}
	delete(b.joins, conn)
}

func (b *Broadcaster) Members(docID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[docID])
}

// Rooms is the number of documents with at least one viewer.
func (b *Broadcaster) Rooms() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms)
}
