package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"stagecast/bus"
	"stagecast/engine/streamer"
	"stagecast/scstore"
)

// TargetKind says what a viewer connection is watching.
type TargetKind int

const (
	TargetAccountStream TargetKind = iota
	TargetStageStream
	TargetEventChat
)

type Target struct {
	Kind TargetKind
	Id   string
}

// countsViewers reports whether joining this target moves view counters.
// Chat-room-only connections don't count as stream viewers.
func (t Target) countsViewers() bool {
	return t.Kind == TargetAccountStream || t.Kind == TargetStageStream
}

const (
	writeWait      = 10 * time.Second
	sendBuffer     = 32
	maxMessageSize = 4096
)

var relayedTopics = []string{
	bus.TopicStreamStarted,
	bus.TopicStreamEnded,
	bus.TopicLiveViewCount,
	bus.TopicChatMessage,
	bus.TopicChatOpened,
	bus.TopicChatClosed,
	bus.TopicChatAlert,
}

// Gateway fans bus events out to websocket viewer connections and turns
// connection joins/leaves into atomic view-count changes.
type Gateway struct {
	sugar    *zap.SugaredLogger
	store    scstore.Client
	bus      *bus.Bus
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[*connection]struct{}
}

type connection struct {
	ws     *websocket.Conn
	target Target
	send   chan []byte
}

func New(sugar *zap.SugaredLogger, store scstore.Client, b *bus.Bus) *Gateway {
	return &Gateway{
		sugar: sugar,
		store: store,
		bus:   b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*connection]struct{}),
	}
}

// Run relays bus messages to connections until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	for _, topic := range relayedTopics {
		sub := g.bus.Subscribe(topic)
		go func() {
			defer sub.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-sub.C:
					g.dispatch(msg)
				}
			}
		}()
	}
}

// dispatch forwards msg to every connection watching the room the
// message belongs to.
func (g *Gateway) dispatch(msg *bus.Message) {
	room, ok := messageRoom(msg)
	if !ok {
		return
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	for conn := range g.conns {
		if conn.target.Id != room {
			continue
		}
		select {
		case conn.send <- frame:
		default:
			g.sugar.Debugw("Dropping frame for slow viewer connection", "topic", msg.Topic)
		}
	}
}

func messageRoom(msg *bus.Message) (string, bool) {
	switch msg.Topic {
	case bus.TopicStreamStarted, bus.TopicStreamEnded:
		var payload bus.StreamEventPayload
		if err := msg.UnmarshalPayload(&payload); err != nil {
			return "", false
		}
		return string(payload.StreamerId), true
	case bus.TopicLiveViewCount:
		var payload bus.ViewCountPayload
		if err := msg.UnmarshalPayload(&payload); err != nil {
			return "", false
		}
		return string(payload.StreamerId), true
	case bus.TopicChatMessage, bus.TopicChatOpened, bus.TopicChatClosed, bus.TopicChatAlert:
		var payload bus.ChatPayload
		if err := msg.UnmarshalPayload(&payload); err != nil {
			return "", false
		}
		return payload.Room, true
	default:
		return "", false
	}
}

// HandleWS upgrades a viewer connection. Query params: kind is one of
// account, stage, chat; id is the account, stage slot or event id.
func (g *Gateway) HandleWS(c *gin.Context) {
	target, ok := parseTarget(c.Query("kind"), c.Query("id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown target"})
		return
	}

	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.sugar.Debugw("Websocket upgrade failed", "error", err)
		return
	}

	conn := &connection{
		ws:     ws,
		target: target,
		send:   make(chan []byte, sendBuffer),
	}
	g.register(conn)

	go conn.writePump()
	go g.readPump(conn)
}

func parseTarget(kind string, id string) (Target, bool) {
	if id == "" {
		return Target{}, false
	}
	switch kind {
	case "account":
		return Target{Kind: TargetAccountStream, Id: id}, true
	case "stage":
		return Target{Kind: TargetStageStream, Id: id}, true
	case "chat":
		return Target{Kind: TargetEventChat, Id: id}, true
	default:
		return Target{}, false
	}
}

func (g *Gateway) register(conn *connection) {
	g.mu.Lock()
	g.conns[conn] = struct{}{}
	g.mu.Unlock()

	if !conn.target.countsViewers() {
		return
	}
	id := streamer.Id(conn.target.Id)
	current, total, err := g.store.IncrViewers(context.Background(), id)
	if err != nil {
		g.sugar.Errorw("Failed to increment view count", "streamerId", id, "error", err)
		return
	}
	g.publishViewCount(id, current, total)
}

func (g *Gateway) unregister(conn *connection) {
	g.mu.Lock()
	_, present := g.conns[conn]
	delete(g.conns, conn)
	g.mu.Unlock()
	if !present {
		return
	}
	close(conn.send)

	if !conn.target.countsViewers() {
		return
	}
	id := streamer.Id(conn.target.Id)
	current, err := g.store.DecrViewers(context.Background(), id)
	if err != nil {
		g.sugar.Errorw("Failed to decrement view count", "streamerId", id, "error", err)
		return
	}
	_, total, err := g.store.GetViewers(context.Background(), id)
	if err != nil {
		g.sugar.Errorw("Failed to read view count", "streamerId", id, "error", err)
		return
	}
	g.publishViewCount(id, current, total)
}

func (g *Gateway) publishViewCount(id streamer.Id, current int64, total int64) {
	g.bus.Publish(bus.NewMessage(bus.TopicLiveViewCount, &bus.ViewCountPayload{
		StreamerId: id,
		Current:    current,
		Total:      total,
	}))
}

type inboundFrame struct {
	Type   string `json:"type"`
	Author string `json:"author,omitempty"`
	Text   string `json:"text,omitempty"`
}

func (g *Gateway) readPump(conn *connection) {
	defer func() {
		g.unregister(conn)
		conn.ws.Close()
	}()
	conn.ws.SetReadLimit(maxMessageSize)

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type != "chat" || frame.Text == "" {
			continue
		}
		g.bus.Publish(bus.NewMessage(bus.TopicChatMessage, &bus.ChatPayload{
			Room:   conn.target.Id,
			Author: frame.Author,
			Text:   frame.Text,
		}))
	}
}

func (conn *connection) writePump() {
	defer conn.ws.Close()
	for frame := range conn.send {
		conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
	conn.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
