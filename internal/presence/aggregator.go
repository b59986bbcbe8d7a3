package presence

import (
	"log"
	"sort"
	"sync"

	"github.com/collabfab/roomserver/internal/database"
	"github.com/collabfab/roomserver/internal/stats"
	"github.com/collabfab/roomserver/internal/types"
)

// Occupancy update actions pushed by room actors.
const (
	ActionEnter  = "enter"
	ActionLeave  = "leave"
	ActionDelete = "delete"
)

type pushRequest struct {
	update Update
	resp   chan []types.RoomInfo
}

type readRequest struct {
	resp chan []types.RoomInfo
}

type resetRequest struct {
	resp chan struct{}
}

type Update struct {
	Id          string `json:"id"`
	Connections int    `json:"connections"`
	Action      string `json:"action"`
}

// Aggregator is the cross-room occupancy singleton. It owns the room id
// to connection-count map, persists every mutation, and fans the full
// map out to its subscribers after each push. Exactly one live instance
// exists per deployment.
type Aggregator struct {
	log         *log.Logger
	db          database.RoomRepository
	stats       stats.StatsProvider
	loadOnce    sync.Once
	loadErr     error
	rooms       map[string]types.RoomInfo
	subscribers map[*subscriber]struct{}
	pushChan    chan *pushRequest
	readChan    chan *readRequest
	resetChan   chan *resetRequest
	subChan     chan *subscriber
	unsubChan   chan *subscriber
	stop        chan struct{}
	done        chan struct{}
}

func NewAggregator(logger *log.Logger, db database.RoomRepository, su stats.StatsProvider) *Aggregator {
	su.RegisterMetric(stats.PresencePushesTotal)

	return &Aggregator{
		log:         logger,
		db:          db,
		stats:       su,
		rooms:       make(map[string]types.RoomInfo),
		subscribers: make(map[*subscriber]struct{}),
		pushChan:    make(chan *pushRequest),
		readChan:    make(chan *readRequest),
		resetChan:   make(chan *resetRequest),
		subChan:     make(chan *subscriber, 16),
		unsubChan:   make(chan *subscriber, 16),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (a *Aggregator) Run() {
	for {
		select {
		case req := <-a.pushChan:
			req.resp <- a.handlePush(req.update)
		case req := <-a.readChan:
			a.ensureLoaded()
			req.resp <- a.snapshot()
		case req := <-a.resetChan:
			a.handleReset()
			req.resp <- struct{}{}
		case sub := <-a.subChan:
			a.ensureLoaded()
			a.subscribers[sub] = struct{}{}
			sub.queue(encodeRoomList(a.snapshot()))
		case sub := <-a.unsubChan:
			if _, ok := a.subscribers[sub]; ok {
				delete(a.subscribers, sub)
				close(sub.send)
			}
		case <-a.stop:
			for sub := range a.subscribers {
				close(sub.send)
			}
			close(a.done)
			return
		}
	}
}

// ensureLoaded restores last-known counts from storage exactly once, so
// a process restart does not lose them.
func (a *Aggregator) ensureLoaded() {
	a.loadOnce.Do(func() {
		infos, err := a.db.ListOccupancy()
		if err != nil {
			a.loadErr = err
			a.log.Printf("load occupancy: %v", err)
			return
		}

		for _, info := range infos {
			a.rooms[info.Id] = info
		}
	})
}

func (a *Aggregator) handlePush(update Update) []types.RoomInfo {
	a.ensureLoaded()

	switch update.Action {
	case ActionDelete:
		delete(a.rooms, update.Id)
		if err := a.db.DeleteOccupancy(update.Id); err != nil {
			a.log.Printf("delete occupancy for %q: %v", update.Id, err)
		}
	case ActionEnter, ActionLeave:
		info, ok := a.rooms[update.Id]
		if !ok {
			if update.Action == ActionLeave {
				// a leave for a room that was never entered is a no-op
				return a.snapshot()
			}
			info = types.RoomInfo{Id: update.Id}
		}

		info.Connections = update.Connections
		a.rooms[update.Id] = info

		if err := a.db.SaveOccupancy(info); err != nil {
			a.log.Printf("save occupancy for %q: %v", update.Id, err)
		}
	default:
		return a.snapshot()
	}

	a.stats.Incr(stats.PresencePushesTotal)

	list := a.snapshot()
	a.broadcast(encodeRoomList(list))
	return list
}

func (a *Aggregator) handleReset() {
	a.ensureLoaded()
	a.rooms = make(map[string]types.RoomInfo)
	if err := a.db.ResetOccupancy(); err != nil {
		a.log.Printf("reset occupancy: %v", err)
	}
}

func (a *Aggregator) snapshot() []types.RoomInfo {
	list := make([]types.RoomInfo, 0, len(a.rooms))
	for _, info := range a.rooms {
		list = append(list, info)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Id < list[j].Id })
	return list
}

func (a *Aggregator) broadcast(frame []byte) {
	for sub := range a.subscribers {
		sub.queue(frame)
	}
}

// Push upserts one room's occupancy entry, or removes it for the
// administrative delete action, and returns the updated map.
func (a *Aggregator) Push(update Update) []types.RoomInfo {
	req := &pushRequest{update: update, resp: make(chan []types.RoomInfo, 1)}
	select {
	case a.pushChan <- req:
		return <-req.resp
	case <-a.stop:
		return nil
	}
}

// Read returns the full occupancy map. It requires no credential since
// the map carries no sensitive data.
func (a *Aggregator) Read() []types.RoomInfo {
	req := &readRequest{resp: make(chan []types.RoomInfo, 1)}
	select {
	case a.readChan <- req:
		return <-req.resp
	case <-a.stop:
		return nil
	}
}

// Reset wipes every occupancy entry. Maintenance path only.
func (a *Aggregator) Reset() {
	req := &resetRequest{resp: make(chan struct{}, 1)}
	select {
	case a.resetChan <- req:
		<-req.resp
	case <-a.stop:
	}
}

func (a *Aggregator) Shutdown() {
	close(a.stop)
	<-a.done
}
