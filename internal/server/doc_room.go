package server

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"

	"github.com/collabfab/roomserver/internal/crdt"
	"github.com/collabfab/roomserver/internal/stats"
)

// peerState is the reconciliation state for one connected replica. A
// peer takes part in replication only after its hello frame has been
// accepted.
type peerState struct {
	syncState *automerge.SyncState
	synced    bool
}

// docRoom hosts one authoritative CRDT document per room and version
// and keeps all connected replicas synchronized. Text frames carry the
// JSON handshake and awareness relay; binary frames carry the CRDT
// library's sync messages.
type docRoom struct {
	roomBase
	storageId string
	version   int
	store     *crdt.Store
	schema    int
	loadOnce  sync.Once
	loadErr   error
	clients   map[*Client]*peerState
}

func newDocRoom(roomKey string, version int, rs *RoomServer) *docRoom {
	return &docRoom{
		roomBase:  newRoomBase(roomKey, rs),
		storageId: strings.TrimSuffix(roomKey, fmt.Sprintf("/%d", version)),
		version:   version,
		clients:   make(map[*Client]*peerState),
	}
}

func (r *docRoom) run() {
	r.log.Printf("starting document room %q", r.roomKey)
	r.killTimer = time.NewTimer(idleRoomTimeout)
	r.killTimer.Stop()

	for {
		select {
		case c := <-r.joinChan:
			r.handleJoin(c)
		case c := <-r.leaveChan:
			r.handleLeave(c)
		case f := <-r.frameChan:
			r.handleFrame(f)
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exitChan:
			r.log.Printf("document room %q is exiting", r.roomKey)
			close(r.doneChan)
			if e.done != nil {
				close(e.done)
			}
			return
		}
	}
}

// ensureLoaded rebuilds the authoritative document from the persisted
// record mirror, exactly once per room instance.
func (r *docRoom) ensureLoaded() error {
	r.loadOnce.Do(func() {
		store := crdt.NewStore()

		records, err := r.rs.db.GetDocumentRecords(r.storageId, r.version)
		if err != nil {
			r.loadErr = fmt.Errorf("load records: %w", err)
			return
		}

		for id, record := range records {
			if err := store.SetRecord(id, record); err != nil {
				r.loadErr = fmt.Errorf("rebuild record %q: %w", id, err)
				return
			}
		}

		if err := store.Commit("load persisted records"); err != nil {
			r.loadErr = err
			return
		}

		schema, err := r.rs.db.GetDocumentSchema(r.storageId, r.version)
		if err != nil {
			r.loadErr = fmt.Errorf("load schema: %w", err)
			return
		}

		r.store = store
		r.schema = schema
	})

	return r.loadErr
}

func (r *docRoom) handleJoin(c *Client) {
	r.killTimer.Stop()

	if err := r.ensureLoaded(); err != nil {
		r.log.Printf("load document for room %q: %v", r.roomKey, err)
	}

	// replication starts only after the hello handshake
	r.clients[c] = &peerState{}
	r.pushOccupancy("enter", len(r.clients))
}

func (r *docRoom) handleLeave(c *Client) {
	if _, ok := r.clients[c]; !ok {
		return
	}

	delete(r.clients, c)
	r.relay(awarenessGoneFrame(c.connId), c)
	r.pushOccupancy("leave", len(r.clients))

	if len(r.clients) == 0 {
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *docRoom) handleFrame(f *inboundFrame) {
	peer, ok := r.clients[f.client]
	if !ok {
		return
	}

	switch f.msgType {
	case websocket.BinaryMessage:
		r.handleSyncMessage(f.client, peer, f.data)
	case websocket.TextMessage:
		frame, err := parseDocFrame(f.data)
		if err != nil {
			r.log.Printf("dropping frame in room %q: %v", r.roomKey, err)
			return
		}

		switch frame.Type {
		case frameHello:
			r.handleHello(f.client, peer, frame)
		case frameAwareness:
			// ephemeral, relayed to everyone else, never persisted
			r.relay(awarenessFrame(f.client.connId, frame.Data), f.client)
		}
	}
}

// handleHello runs the first-sync protocol: schema guard, forward
// migration, reconciliation, or seeding from the connecting replica.
func (r *docRoom) handleHello(c *Client, peer *peerState, hello *docFrame) {
	if r.store == nil {
		// the lazy load failed earlier; fail closed rather than let the
		// replica diverge from an unknown authoritative state
		c.queueText(reloadFrame())
		return
	}

	records, err := r.store.Records()
	if err != nil {
		r.log.Printf("read records for room %q: %v", r.roomKey, err)
		c.queueText(reloadFrame())
		return
	}

	if len(records) > 0 {
		if r.schema > hello.Schema {
			// persisted schema is strictly newer: never silently
			// downgrade, the participant must refresh
			c.queueText(reloadFrame())
			return
		}

		if hello.Schema > r.schema {
			migrated, err := r.rs.migrator.Migrate(records, r.schema, hello.Schema)
			if err != nil {
				r.log.Printf("migrate room %q from schema %d to %d: %v", r.roomKey, r.schema, hello.Schema, err)
				c.queueText(reloadFrame())
				return
			}

			for id := range records {
				if _, ok := migrated[id]; !ok {
					if err := r.store.DeleteRecord(id); err != nil {
						r.log.Printf("reconcile room %q: %v", r.roomKey, err)
					}
				}
			}
			for id, record := range migrated {
				if err := r.store.SetRecord(id, record); err != nil {
					r.log.Printf("reconcile room %q: %v", r.roomKey, err)
				}
			}
			if err := r.store.Commit(fmt.Sprintf("migrate to schema %d", hello.Schema)); err != nil {
				r.log.Printf("commit migration for room %q: %v", r.roomKey, err)
			}

			r.schema = hello.Schema
			r.persistSchema()
			r.persistRecords()

			records, err = r.store.Records()
			if err != nil {
				r.log.Printf("read records for room %q: %v", r.roomKey, err)
				c.queueText(reloadFrame())
				return
			}
		}

		c.queueText(documentInitFrame(r.schema, records))
	} else {
		// empty room: the connecting replica's state is the seed
		for id, record := range hello.Records {
			if err := r.store.SetRecord(id, record); err != nil {
				r.log.Printf("seed room %q: %v", r.roomKey, err)
			}
		}
		if err := r.store.Commit("seed from first replica"); err != nil {
			r.log.Printf("commit seed for room %q: %v", r.roomKey, err)
		}

		r.schema = hello.Schema
		r.persistSchema()
		r.persistRecords()

		c.queueText(documentInitFrame(r.schema, hello.Records))
	}

	peer.syncState = r.store.NewSyncState()
	peer.synced = true
	r.drainSyncMessages(c, peer)
}

// handleSyncMessage merges one replica's delta into the authoritative
// document and replicates it to every other connected replica.
func (r *docRoom) handleSyncMessage(c *Client, peer *peerState, data []byte) {
	if !peer.synced {
		return
	}

	if err := r.store.ReceiveSyncMessage(peer.syncState, data); err != nil {
		r.log.Printf("sync message in room %q: %v", r.roomKey, err)
		return
	}

	r.rs.stats.Incr(stats.SyncMessagesTotal)
	r.persistRecords()

	for client, p := range r.clients {
		if !p.synced {
			continue
		}
		r.drainSyncMessages(client, p)
	}
}

func (r *docRoom) drainSyncMessages(c *Client, peer *peerState) {
	for {
		msg, more := r.store.GenerateSyncMessage(peer.syncState)
		if msg != nil {
			c.queueBinary(msg)
		}
		if !more {
			return
		}
	}
}

// persistRecords mirrors the document's record set to storage. Failures
// are logged, never surfaced to other participants.
func (r *docRoom) persistRecords() {
	records, err := r.store.Records()
	if err != nil {
		r.log.Printf("read records for room %q: %v", r.roomKey, err)
		return
	}

	if err := r.rs.db.ReplaceDocumentRecords(r.storageId, r.version, records); err != nil {
		r.log.Printf("persist records for room %q: %v", r.roomKey, err)
	}
}

func (r *docRoom) persistSchema() {
	if err := r.rs.db.SaveDocumentSchema(r.storageId, r.version, r.schema); err != nil {
		r.log.Printf("persist schema for room %q: %v", r.roomKey, err)
	}
}

func (r *docRoom) relay(frame []byte, skip *Client) {
	for client := range r.clients {
		if client == skip {
			continue
		}
		client.queueText(frame)
	}
}
