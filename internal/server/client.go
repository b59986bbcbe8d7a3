package server

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/collabfab/roomserver/internal/types"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10

	// document sync messages can be large
	maxFrameSize = 1 << 20

	sendQueueSize = 256
)

// envelope is one outbound websocket message: text frames carry JSON,
// binary frames carry opaque sync messages.
type envelope struct {
	msgType int
	data    []byte
}

// inboundFrame is one raw message from a connection, handed to the
// owning room actor.
type inboundFrame struct {
	client  *Client
	msgType int
	data    []byte
}

// Client is one live connection. It is bound to exactly one room for
// its lifetime and carries exactly one verified identity.
type Client struct {
	conn       *websocket.Conn
	roomServer *RoomServer
	log        *log.Logger
	identity   types.Identity
	connId     string
	room       session
	send       chan envelope
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(identity types.Identity, conn *websocket.Conn, rs *RoomServer, l *log.Logger) *Client {
	return &Client{
		conn:       conn,
		roomServer: rs,
		log:        l,
		identity:   identity,
		connId:     uuid.NewString(),
		send:       make(chan envelope, sendQueueSize),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			if !ok {
				return
			}

			if !c.writeMessage(env.msgType, env.data) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.writeMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		mt, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		select {
		case c.room.frames() <- &inboundFrame{client: c, msgType: mt, data: raw}:
		default:
			// the room is saturated; the frame is dropped, not fatal
			c.log.Printf("frame channel full for room %q, dropping frame", c.room.key())
		}
	}
}

// queueFrame enqueues an outbound message, dropping it when the buffer
// is full so one slow peer never blocks delivery to others.
func (c *Client) queueFrame(msgType int, data []byte) bool {
	select {
	case c.send <- envelope{msgType: msgType, data: data}:
	default:
		c.log.Printf("send queue full for connection %q, dropping frame", c.connId)
		return false
	}

	return true
}

func (c *Client) queueText(data []byte) bool {
	return c.queueFrame(websocket.TextMessage, data)
}

func (c *Client) queueBinary(data []byte) bool {
	return c.queueFrame(websocket.BinaryMessage, data)
}

func (c *Client) writeMessage(msgType int, data []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, data); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

// stopClient may race with a server-wide shutdown, so the close is
// guarded.
func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	if c.room != nil {
		c.room.leavers() <- c
	}
	c.roomServer.deRegisterChan <- c
	c.stopClient()
}
