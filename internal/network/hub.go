package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"terrainstream/internal/world"
)

const (
	handshakeTimeout = 5 * time.Second
	readIdleTimeout  = 60 * time.Second
)

// Controller receives commands sent by websocket clients.
type Controller interface {
	SetObserverPosition(pos mgl64.Vec3)
	Regenerate()
	// Depth is the vertical scale of chunks loaded from now on.
	Depth() float64
}

type HubOptions struct {
	ServerID        string
	Depth           float64
	MaxQueue        int
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	Logger          *logrus.Entry
}

// Hub serves websocket clients and realizes chunks by broadcasting their
// heights. Destroying a hub realization tells clients to drop the chunk.
// New clients receive every chunk currently realized.
type Hub struct {
	opts     HubOptions
	logger   *logrus.Entry
	upgrader websocket.Upgrader
	seq      atomic.Uint64

	controllerMu sync.RWMutex
	controller   Controller

	mu      sync.RWMutex
	clients map[string]*client
	chunks  map[world.ChunkCoord]*hubChunk
	closed  bool
}

func NewHub(opts HubOptions) *Hub {
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 1 << 16
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Hub{
		opts:   opts,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
		chunks:  make(map[world.ChunkCoord]*hubChunk),
	}
}

// Attach routes client commands to c.
func (h *Hub) Attach(c Controller) {
	h.controllerMu.Lock()
	h.controller = c
	h.controllerMu.Unlock()
}

func (h *Hub) currentController() Controller {
	h.controllerMu.RLock()
	defer h.controllerMu.RUnlock()
	return h.controller
}

func (h *Hub) nextSeq() uint64 {
	return h.seq.Add(1)
}

type hubChunk struct {
	hub     *Hub
	coord   world.ChunkCoord
	message []byte
	once    sync.Once
}

func (h *Hub) Realize(ctx context.Context, chunk *world.TerrainChunk) (world.Realization, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if chunk == nil || chunk.Grid == nil {
		return nil, fmt.Errorf("hub realizer: chunk has no height grid")
	}
	data, err := EncodeHeights(chunk.Grid)
	if err != nil {
		return nil, err
	}
	msg, err := encodeEnvelope(MessageChunkHeights, h.nextSeq(), ChunkHeights{
		ChunkX:     chunk.Coord.X,
		ChunkZ:     chunk.Coord.Z,
		Resolution: chunk.Grid.Resolution,
		Position:   chunk.Placement.Position,
		Size:       chunk.Placement.Size,
		Encoding:   HeightEncoding,
		Data:       data,
	})
	if err != nil {
		return nil, err
	}
	hc := &hubChunk{hub: h, coord: chunk.Coord, message: msg}

	h.mu.Lock()
	h.chunks[chunk.Coord] = hc
	h.mu.Unlock()
	h.broadcast(msg)
	return hc, nil
}

func (c *hubChunk) Destroy() error {
	var err error
	c.once.Do(func() {
		h := c.hub
		h.mu.Lock()
		if current, ok := h.chunks[c.coord]; ok && current == c {
			delete(h.chunks, c.coord)
		}
		h.mu.Unlock()

		var msg []byte
		msg, err = encodeEnvelope(MessageChunkUnloaded, h.nextSeq(), ChunkUnloaded{ChunkX: c.coord.X, ChunkZ: c.coord.Z})
		if err == nil {
			h.broadcast(msg)
		}
	})
	return err
}

// ChunkCount reports how many chunks the hub is currently serving.
func (h *Hub) ChunkCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.chunks)
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type client struct {
	id     string
	name   string
	conn   *websocket.Conn
	out    chan []byte
	done   chan struct{}
	closer sync.Once
}

func (c *client) close() {
	c.closer.Do(func() {
		close(c.done)
	})
}

// enqueue never blocks; a client that cannot keep up is dropped.
func (c *client) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- msg:
		return true
	default:
		return false
	}
}

func (h *Hub) broadcast(msg []byte) {
	h.mu.RLock()
	var slow []*client
	for _, c := range h.clients {
		if !c.enqueue(msg) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		h.logger.WithField("session", c.id).Warn("dropping slow websocket client")
		h.remove(c)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if current, ok := h.clients[c.id]; ok && current == c {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
	c.close()
}

// ServeHTTP upgrades the connection, performs the hello/welcome handshake
// and then pumps messages until either side goes away.
func (h *Hub) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(h.opts.MaxMessageBytes)

	c, err := h.handshake(conn)
	if err != nil {
		h.logger.WithError(err).Debug("websocket handshake failed")
		return
	}
	log := h.logger.WithFields(logrus.Fields{"session": c.id, "client": c.name})
	log.Info("websocket client connected")
	defer func() {
		h.remove(c)
		log.Info("websocket client disconnected")
	}()

	go h.writeLoop(c)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case <-c.done:
			return
		default:
		}
		env, err := DecodeEnvelope(data)
		if err != nil {
			log.WithError(err).Debug("ignoring malformed message")
			continue
		}
		h.dispatch(log, env)
	}
}

func (h *Hub) dispatch(log *logrus.Entry, env Envelope) {
	ctrl := h.currentController()
	switch env.Type {
	case MessageObserverPosition:
		var pos ObserverPosition
		if err := env.DecodePayload(&pos); err != nil {
			log.WithError(err).Debug("ignoring observer position")
			return
		}
		if ctrl != nil {
			ctrl.SetObserverPosition(mgl64.Vec3{pos.X, pos.Y, pos.Z})
		}
	case MessageRegenerate:
		if ctrl != nil {
			ctrl.Regenerate()
		}
	default:
		log.WithField("type", env.Type).Debug("ignoring unsupported message")
	}
}

func (h *Hub) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = c.conn.Close()
			return
		case msg := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				_ = c.conn.Close()
				return
			}
		}
	}
}

var errHubClosed = errors.New("hub closed")

func (h *Hub) handshake(conn *websocket.Conn) (*client, error) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	env, err := DecodeEnvelope(data)
	if err == nil && env.Type != MessageHello {
		err = fmt.Errorf("expected hello, got %s", env.Type)
	}
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected hello"), time.Now().Add(time.Second))
		return nil, err
	}
	var hello Hello
	if len(env.Payload) > 0 {
		if err := env.DecodePayload(&hello); err != nil {
			return nil, err
		}
	}
	if hello.ClientName == "" {
		hello.ClientName = "client"
	}
	queue := h.opts.MaxQueue
	if hello.MaxQueue > 0 && hello.MaxQueue < queue {
		queue = hello.MaxQueue
	}

	c := &client{
		id:   uuid.NewString(),
		name: hello.ClientName,
		conn: conn,
		out:  make(chan []byte, queue),
		done: make(chan struct{}),
	}

	depth := h.opts.Depth
	if ctrl := h.currentController(); ctrl != nil {
		depth = ctrl.Depth()
	}

	// Snapshot and registration share the lock so no realized chunk is missed.
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errHubClosed
	}
	snapshot := make([][]byte, 0, len(h.chunks))
	for _, hc := range h.chunks {
		snapshot = append(snapshot, hc.message)
	}
	welcome, err := encodeEnvelope(MessageWelcome, h.nextSeq(), Welcome{
		SessionID: c.id,
		ServerID:  h.opts.ServerID,
		Loaded:    len(snapshot),
		Encoding:  HeightEncoding,
		Depth:     depth,
	})
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	if len(snapshot)+1 > cap(c.out) {
		c.out = make(chan []byte, len(snapshot)+1+queue)
	}
	c.out <- welcome
	for _, msg := range snapshot {
		c.out <- msg
	}
	h.clients[c.id] = c
	h.mu.Unlock()
	return c, nil
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*client)
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}
