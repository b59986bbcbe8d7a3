package presence

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/collabfab/roomserver/internal/types"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
)

// subscriber is a write-only occupancy feed, e.g. a navigation badge.
// It receives the full map on subscribe and after every push.
type subscriber struct {
	conn *websocket.Conn
	agg  *Aggregator
	log  *log.Logger
	send chan []byte
}

// Subscribe registers a websocket connection with the aggregator and
// starts its pumps.
func (a *Aggregator) Subscribe(conn *websocket.Conn) {
	sub := &subscriber{
		conn: conn,
		agg:  a,
		log:  a.log,
		send: make(chan []byte, 16),
	}

	a.subChan <- sub

	go sub.writePump()
	go sub.readPump()
}

func (s *subscriber) queue(frame []byte) {
	select {
	case s.send <- frame:
	default:
		// a slow subscriber misses an update; the next push catches it up
	}
}

func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			if !ok {
				return
			}

			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames; it exists to notice the close.
func (s *subscriber) readPump() {
	defer func() {
		s.conn.Close()
		s.agg.unsubChan <- s
	}()

	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error { s.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func encodeRoomList(list []types.RoomInfo) []byte {
	if list == nil {
		list = []types.RoomInfo{}
	}

	raw, err := json.Marshal(list)
	if err != nil {
		panic("marshal room list: " + err.Error())
	}
	return raw
}
