package room

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ssreditor/api/internal/store"
)

type recorderConn struct {
	id string

	mu     sync.Mutex
	events []Event
	full   bool
}

func (c *recorderConn) ID() string { return c.id }

func (c *recorderConn) Send(e Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.events = append(c.events, e)
	return true
}

func (c *recorderConn) received() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

type loaderFunc func(context.Context, string) (store.Document, error)

func (f loaderFunc) GetDocument(ctx context.Context, docID string) (store.Document, error) {
	return f(ctx, docID)
}

func TestJoinOnEmptyStoreSendsNull(t *testing.T) {
	b := NewBroadcaster(store.NewMemoryStore())
	conn := &recorderConn{id: "c1"}

	b.Join(context.Background(), conn, "abc123")

	events := conn.received()
	require.Len(t, events, 1)
	assert.Equal(t, EventEnterDoc, events[0].Name)
	assert.Nil(t, events[0].Data)
	assert.Equal(t, 1, b.Members("abc123"))
}

func TestJoinLoadFailureSendsNull(t *testing.T) {
	b := NewBroadcaster(loaderFunc(func(context.Context, string) (store.Document, error) {
		return store.Document{}, errors.New("db down")
	}))
	conn := &recorderConn{id: "c1"}

	b.Join(context.Background(), conn, "abc123")

	events := conn.received()
	require.Len(t, events, 1)
	assert.Nil(t, events[0].Data)
}

func TestJoinSendsDocumentOnlyToJoiner(t *testing.T) {
	mem := store.NewMemoryStore()
	doc, err := mem.CreateDocument(context.Background(), store.Document{Title: "Glass"})
	require.NoError(t, err)

	b := NewBroadcaster(mem)
	first := &recorderConn{id: "c1"}
	second := &recorderConn{id: "c2"}
	b.Join(context.Background(), first, doc.DocID)
	b.Join(context.Background(), second, doc.DocID)

	assert.Len(t, first.received(), 1)
	events := second.received()
	require.Len(t, events, 1)
	got, ok := events[0].Data.(store.Document)
	require.True(t, ok)
	assert.Equal(t, "Glass", got.Title)
}

func TestJoinTwiceKeepsSingleMembership(t *testing.T) {
	b := NewBroadcaster(store.NewMemoryStore())
	conn := &recorderConn{id: "c1"}

	b.Join(context.Background(), conn, "doc")
	b.Join(context.Background(), conn, "doc")

	assert.Equal(t, 1, b.Members("doc"))
	assert.Equal(t, 1, b.Update("doc", "x"))
}

func TestUpdateReachesWholeRoomIncludingSender(t *testing.T) {
	b := NewBroadcaster(store.NewMemoryStore())
	sender := &recorderConn{id: "sender"}
	viewer := &recorderConn{id: "viewer"}
	elsewhere := &recorderConn{id: "elsewhere"}
	ctx := context.Background()
	b.Join(ctx, sender, "doc")
	b.Join(ctx, viewer, "doc")
	b.Join(ctx, elsewhere, "other")

	delivered := b.Update("doc", map[string]string{"content": "hej"})

	assert.Equal(t, 2, delivered)
	for _, conn := range []*recorderConn{sender, viewer} {
		events := conn.received()
		require.Len(t, events, 2, conn.id)
		assert.Equal(t, EventUpdate, events[1].Name)
	}
	assert.Len(t, elsewhere.received(), 1)
}

func TestUpdateIsBestEffort(t *testing.T) {
	b := NewBroadcaster(store.NewMemoryStore())
	slow := &recorderConn{id: "slow"}
	fast := &recorderConn{id: "fast"}
	b.Join(context.Background(), slow, "doc")
	b.Join(context.Background(), fast, "doc")
	slow.mu.Lock()
	slow.full = true
	slow.mu.Unlock()

	assert.Equal(t, 1, b.Update("doc", "x"))
	assert.Len(t, fast.received(), 2)
}

func TestLeaveRemovesFromAllRooms(t *testing.T) {
	b := NewBroadcaster(store.NewMemoryStore())
	conn := &recorderConn{id: "c1"}
	other := &recorderConn{id: "c2"}
	ctx := context.Background()
	b.Join(ctx, conn, "a")
	b.Join(ctx, conn, "b")
	b.Join(ctx, other, "b")

	b.Leave(conn)

	assert.Equal(t, 0, b.Members("a"))
	assert.Equal(t, 1, b.Members("b"))
	assert.Equal(t, 1, b.Rooms())
	assert.Equal(t, 0, b.Update("a", "x"))
	assert.Len(t, conn.received(), 2)
}
