package server

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/collabfab/roomserver/internal/crdt"
	"github.com/collabfab/roomserver/internal/database"
	"github.com/collabfab/roomserver/internal/stats"
	"github.com/collabfab/roomserver/internal/types"
)

const idleRoomTimeout = 30 * time.Second

// Room kinds, encoded as the namespace prefix of a room key.
const (
	KindChat     = "chat"
	KindBoard    = "board"
	KindDocument = "document"
)

// ChatRoomKey builds the addressable id of a chat room.
func ChatRoomKey(id string) string {
	return KindChat + ":" + id
}

// DocumentRoomKey builds the addressable id of a CRDT room. The version
// namespaces the replication history so an operator can force clients
// onto a fresh document without deleting the old one.
func DocumentRoomKey(kind, id string, version int) string {
	return fmt.Sprintf("%s:%s/%d", kind, id, version)
}

// PresencePusher is the aggregator-facing side of a room actor. Pushes
// are authenticated internal calls and are never retried.
type PresencePusher interface {
	Push(ctx context.Context, roomId string, connections int, action string) ([]types.RoomInfo, error)
}

// session is a running room actor.
type session interface {
	key() string
	run()
	joiners() chan<- *Client
	leavers() chan<- *Client
	frames() chan<- *inboundFrame
	shutdown() chan<- exitReq
	finished() <-chan struct{}
}

type exitReq struct {
	done chan struct{}
}

type unloadRequest struct {
	roomKey string
}

type attachRequest struct {
	client  *Client
	roomKey string
	version int
	resp    chan attachResponse
}

type attachResponse struct {
	room session
	err  error
}

// RoomServer owns the set of live room actors, one per room key, and
// routes connections to them. All room lifecycle decisions run on its
// single Run loop.
type RoomServer struct {
	log            *log.Logger
	db             database.RoomRepository
	stats          stats.StatsProvider
	presence       PresencePusher
	migrator       crdt.SchemaMigrator
	rooms          map[string]session
	clients        map[*Client]struct{}
	clientsLock    sync.Mutex
	attachChan     chan *attachRequest
	deRegisterChan chan *Client
	unloadRoomChan chan unloadRequest
	stop           chan struct{}
	done           chan struct{}
}

func NewRoomServer(logger *log.Logger, db database.RoomRepository, su stats.StatsProvider,
	presence PresencePusher, migrator crdt.SchemaMigrator) (*RoomServer, error) {
	if migrator == nil {
		migrator = crdt.NopMigrator{}
	}

	rs := &RoomServer{
		log:            logger,
		db:             db,
		stats:          su,
		presence:       presence,
		migrator:       migrator,
		rooms:          make(map[string]session),
		clients:        make(map[*Client]struct{}),
		attachChan:     make(chan *attachRequest),
		deRegisterChan: make(chan *Client, 256),
		unloadRoomChan: make(chan unloadRequest, 256),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}

	su.RegisterMetric(stats.ActiveConnections)
	su.RegisterMetric(stats.ActiveRooms)
	su.RegisterMetric(stats.ChatMessagesTotal)
	su.RegisterMetric(stats.SyncMessagesTotal)

	return rs, nil
}

func (rs *RoomServer) Run() {
	for {
		select {
		case req := <-rs.attachChan:
			room, err := rs.roomFor(req.roomKey, req.version)
			req.resp <- attachResponse{room: room, err: err}
		case client := <-rs.deRegisterChan:
			rs.removeClient(client)
		case req := <-rs.unloadRoomChan:
			rs.unloadRoom(req.roomKey)
		case <-rs.stop:
			rs.log.Println("shutting down rooms")
			for _, r := range rs.rooms {
				req := exitReq{done: make(chan struct{})}
				r.shutdown() <- req
				<-req.done
			}

			close(rs.done)
			return
		}
	}
}

// Attach binds a client to its room, starting the room actor when no
// live instance exists for the key. The caller starts the client pumps
// only after a successful attach.
func (rs *RoomServer) Attach(client *Client, roomKey string, version int) error {
	req := &attachRequest{
		client:  client,
		roomKey: roomKey,
		version: version,
		resp:    make(chan attachResponse, 1),
	}

	select {
	case rs.attachChan <- req:
	case <-rs.stop:
		return fmt.Errorf("room server is shutting down")
	}

	resp := <-req.resp
	if resp.err != nil {
		return resp.err
	}

	client.room = resp.room
	rs.addClient(client)
	resp.room.joiners() <- client

	return nil
}

func (rs *RoomServer) roomFor(roomKey string, version int) (session, error) {
	if room, ok := rs.rooms[roomKey]; ok {
		return room, nil
	}

	kind, _, ok := strings.Cut(roomKey, ":")
	if !ok {
		return nil, fmt.Errorf("malformed room key %q", roomKey)
	}

	var room session
	switch kind {
	case KindChat:
		room = newChatRoom(roomKey, rs)
	case KindBoard, KindDocument:
		room = newDocRoom(roomKey, version, rs)
	default:
		return nil, fmt.Errorf("unknown room kind %q", kind)
	}

	rs.rooms[roomKey] = room
	rs.stats.Incr(stats.ActiveRooms)
	go room.run()

	rs.log.Printf("started room %q", roomKey)
	return room, nil
}

func (rs *RoomServer) unloadRoom(roomKey string) {
	room, ok := rs.rooms[roomKey]
	if !ok {
		return
	}

	delete(rs.rooms, roomKey)
	rs.stats.Decr(stats.ActiveRooms)

	req := exitReq{done: make(chan struct{})}
	room.shutdown() <- req
	<-req.done

	rs.log.Printf("unloaded room %q", roomKey)
}

func (rs *RoomServer) addClient(c *Client) {
	rs.clientsLock.Lock()
	defer rs.clientsLock.Unlock()
	rs.clients[c] = struct{}{}
	rs.stats.Incr(stats.ActiveConnections)
}

func (rs *RoomServer) removeClient(c *Client) {
	rs.clientsLock.Lock()
	defer rs.clientsLock.Unlock()
	if _, ok := rs.clients[c]; !ok {
		return
	}
	delete(rs.clients, c)
	rs.stats.Decr(stats.ActiveConnections)
}

func (rs *RoomServer) Shutdown(ctx context.Context) error {
	rs.clientsLock.Lock()
	for c := range rs.clients {
		c.stopClient()
	}
	rs.clientsLock.Unlock()

	close(rs.stop)

	select {
	case <-rs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// roomBase carries the actor plumbing shared by both room variants.
type roomBase struct {
	roomKey   string
	rs        *RoomServer
	log       *log.Logger
	joinChan  chan *Client
	leaveChan chan *Client
	frameChan chan *inboundFrame
	exitChan  chan exitReq
	doneChan  chan struct{}
	// killTimer unloads the room after it has been empty for a while
	killTimer *time.Timer
}

func newRoomBase(roomKey string, rs *RoomServer) roomBase {
	return roomBase{
		roomKey:   roomKey,
		rs:        rs,
		log:       rs.log,
		joinChan:  make(chan *Client, 256),
		leaveChan: make(chan *Client, 256),
		frameChan: make(chan *inboundFrame, 256),
		exitChan:  make(chan exitReq),
		doneChan:  make(chan struct{}),
	}
}

func (b *roomBase) key() string                  { return b.roomKey }
func (b *roomBase) joiners() chan<- *Client      { return b.joinChan }
func (b *roomBase) leavers() chan<- *Client      { return b.leaveChan }
func (b *roomBase) frames() chan<- *inboundFrame { return b.frameChan }
func (b *roomBase) shutdown() chan<- exitReq     { return b.exitChan }
func (b *roomBase) finished() <-chan struct{}    { return b.doneChan }

func (b *roomBase) handleRoomTimeout() {
	b.log.Printf("room %q timed out", b.roomKey)
	select {
	case b.rs.unloadRoomChan <- unloadRequest{roomKey: b.roomKey}:
	default:
		// unload channel is saturated, try again on the next idle period
		b.killTimer.Reset(idleRoomTimeout)
	}
}

// pushOccupancy reports the room's live connection count to the
// presence aggregator. Failures are logged and never retried; the
// aggregator converges on the next push.
func (b *roomBase) pushOccupancy(action string, connections int) {
	if b.rs.presence == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := b.rs.presence.Push(ctx, b.roomKey, connections, action); err != nil {
		b.log.Printf("presence push for room %q: %v", b.roomKey, err)
	}
}
