package server

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/teris-io/shortid"

	"github.com/collabfab/roomserver/internal/stats"
	"github.com/collabfab/roomserver/internal/types"
)

// maxMessageLength bounds a chat message's text. Oversized intents are
// answered privately and never broadcast or persisted.
const maxMessageLength = 1000

// rosterEntry tracks one identity and its live connections. The roster
// holds exactly the identities with at least one live connection.
type rosterEntry struct {
	identity types.Identity
	conns    int
}

// chatRoom is the ordered-message-log room variant. All state mutation
// happens on the run loop, so broadcasts are observed by every
// participant in application order.
type chatRoom struct {
	roomBase
	messages    []types.ChatMessage
	loadOnce    sync.Once
	loadErr     error
	clients     map[*Client]struct{}
	roster      map[string]*rosterEntry
	rosterOrder []string
}

func newChatRoom(roomKey string, rs *RoomServer) *chatRoom {
	return &chatRoom{
		roomBase: newRoomBase(roomKey, rs),
		clients:  make(map[*Client]struct{}),
		roster:   make(map[string]*rosterEntry),
	}
}

func (r *chatRoom) run() {
	r.log.Printf("starting chat room %q", r.roomKey)
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
			r.log.Printf("chat room %q is exiting", r.roomKey)
			close(r.doneChan)
			if e.done != nil {
				close(e.done)
			}
			return
		}
	}
}

// ensureLoaded reads the persisted log into memory exactly once, even
// when two interactions race to trigger it.
func (r *chatRoom) ensureLoaded() error {
	r.loadOnce.Do(func() {
		messages, err := r.rs.db.GetChatLog(r.roomKey)
		if err != nil {
			r.loadErr = err
			return
		}
		r.messages = messages
	})

	return r.loadErr
}

func (r *chatRoom) handleJoin(c *Client) {
	r.killTimer.Stop()

	if err := r.ensureLoaded(); err != nil {
		r.log.Printf("load chat log for room %q: %v", r.roomKey, err)
	}

	r.clients[c] = struct{}{}

	entry, ok := r.roster[c.identity.Id]
	if !ok {
		entry = &rosterEntry{identity: c.identity}
		r.roster[c.identity.Id] = entry
		r.rosterOrder = append(r.rosterOrder, c.identity.Id)
	}
	entry.conns++

	// the full history goes to the new connection only
	c.queueText(syncFrame(r.messages))

	r.broadcast(participantsFrame(r.participants()), nil)
	r.pushOccupancy("enter", len(r.clients))
}

func (r *chatRoom) handleLeave(c *Client) {
	if _, ok := r.clients[c]; !ok {
		return
	}

	delete(r.clients, c)

	if entry, ok := r.roster[c.identity.Id]; ok {
		entry.conns--
		if entry.conns <= 0 {
			delete(r.roster, c.identity.Id)
			for i, id := range r.rosterOrder {
				if id == c.identity.Id {
					r.rosterOrder = append(r.rosterOrder[:i], r.rosterOrder[i+1:]...)
					break
				}
			}
		}
	}

	r.broadcast(participantsFrame(r.participants()), nil)
	r.pushOccupancy("leave", len(r.clients))

	if len(r.clients) == 0 {
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *chatRoom) handleFrame(f *inboundFrame) {
	if f.msgType != websocket.TextMessage {
		return
	}

	intent, err := parseChatIntent(f.data)
	if err != nil {
		// malformed frames are dropped, not fatal
		r.log.Printf("dropping frame in room %q: %v", r.roomKey, err)
		return
	}

	if err := r.ensureLoaded(); err != nil {
		r.log.Printf("load chat log for room %q: %v", r.roomKey, err)
		return
	}

	if utf8.RuneCountInString(intent.Text) > maxMessageLength {
		f.client.queueText(systemNoticeFrame("Message too long", now()))
		return
	}

	msg := types.ChatMessage{
		Id: intent.Id,
		From: types.Sender{
			Id:   f.client.identity.Id,
			Name: f.client.identity.Name,
		},
		Text: intent.Text,
		At:   now(),
	}
	if msg.Id == "" {
		msg.Id = shortid.MustGenerate()
	}

	switch intent.Type {
	case intentNew:
		r.messages = append(r.messages, msg)
		r.broadcast(newMessageFrame(msg), nil)
	case intentEdit:
		for i := range r.messages {
			if r.messages[i].Id == msg.Id {
				r.messages[i] = msg
				break
			}
		}
		// the sender already applied its own edit locally
		r.broadcast(editMessageFrame(msg), f.client)
	}

	r.rs.stats.Incr(stats.ChatMessagesTotal)
	r.persist()
}

// persist writes the full log. A failure after a successful broadcast
// is logged, not rolled back: participants may briefly observe state
// that storage does not yet reflect.
func (r *chatRoom) persist() {
	if err := r.rs.db.SaveChatLog(r.roomKey, r.messages); err != nil {
		r.log.Printf("save chat log for room %q: %v", r.roomKey, err)
	}
}

func (r *chatRoom) participants() []types.Identity {
	participants := make([]types.Identity, 0, len(r.rosterOrder))
	for _, id := range r.rosterOrder {
		if entry, ok := r.roster[id]; ok {
			participants = append(participants, entry.identity)
		}
	}
	return participants
}

func (r *chatRoom) broadcast(frame []byte, skip *Client) {
	for client := range r.clients {
		if client == skip {
			continue
		}
		client.queueText(frame)
	}
}

func now() int64 {
	return time.Now().UnixMilli()
}
