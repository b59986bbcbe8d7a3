package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/collabfab/roomserver/internal/database"
	"github.com/collabfab/roomserver/internal/stats"
	"github.com/collabfab/roomserver/internal/testutil"
	"github.com/collabfab/roomserver/internal/types"
)

func newTestAggregator(t *testing.T, db database.RoomRepository, su *stats.MockStatsUpdater) *Aggregator {
	t.Helper()
	su.On("RegisterMetric", stats.PresencePushesTotal).Return().Once()
	return NewAggregator(testutil.TestLogger(t), db, su)
}

func Test_handlePush(t *testing.T) {
	t.Run("enter creates and updates an entry", func(t *testing.T) {
		db := &database.MockRoomRepository{}
		db.On("ListOccupancy").Return([]types.RoomInfo{}, nil).Once()
		db.On("SaveOccupancy", types.RoomInfo{Id: "r1", Connections: 1}).Return(nil).Once()
		db.On("SaveOccupancy", types.RoomInfo{Id: "r1", Connections: 3}).Return(nil).Once()
		defer db.AssertExpectations(t)

		su := &stats.MockStatsUpdater{}
		su.On("Incr", stats.PresencePushesTotal).Return().Times(2)
		a := newTestAggregator(t, db, su)

		list := a.handlePush(Update{Id: "r1", Connections: 1, Action: ActionEnter})
		assert.Equal(t, []types.RoomInfo{{Id: "r1", Connections: 1}}, list)

		list = a.handlePush(Update{Id: "r1", Connections: 3, Action: ActionEnter})
		assert.Equal(t, []types.RoomInfo{{Id: "r1", Connections: 3}}, list)
		su.AssertExpectations(t)
	})

	t.Run("leave zeroes the count but keeps the entry", func(t *testing.T) {
		db := &database.MockRoomRepository{}
		db.On("ListOccupancy").Return([]types.RoomInfo{}, nil).Once()
		db.On("SaveOccupancy", types.RoomInfo{Id: "r1", Connections: 2}).Return(nil).Once()
		db.On("SaveOccupancy", types.RoomInfo{Id: "r1", Connections: 0}).Return(nil).Once()

		su := &stats.MockStatsUpdater{}
		su.On("Incr", stats.PresencePushesTotal).Return().Times(2)
		a := newTestAggregator(t, db, su)

		a.handlePush(Update{Id: "r1", Connections: 2, Action: ActionEnter})
		list := a.handlePush(Update{Id: "r1", Connections: 0, Action: ActionLeave})

		assert.Equal(t, []types.RoomInfo{{Id: "r1", Connections: 0}}, list,
			"expected the entry to remain at zero connections")
	})

	t.Run("leave for a room never entered is a no-op", func(t *testing.T) {
		db := &database.MockRoomRepository{}
		db.On("ListOccupancy").Return([]types.RoomInfo{}, nil).Once()
		defer db.AssertExpectations(t)

		su := &stats.MockStatsUpdater{}
		a := newTestAggregator(t, db, su)

		list := a.handlePush(Update{Id: "ghost", Connections: 0, Action: ActionLeave})

		assert.Empty(t, list, "expected no entry created")
		db.AssertNotCalled(t, "SaveOccupancy")
		su.AssertNotCalled(t, "Incr", stats.PresencePushesTotal)
	})

	t.Run("delete removes the entry", func(t *testing.T) {
		db := &database.MockRoomRepository{}
		db.On("ListOccupancy").Return([]types.RoomInfo{}, nil).Once()
		db.On("SaveOccupancy", types.RoomInfo{Id: "r1", Connections: 1}).Return(nil).Once()
		db.On("DeleteOccupancy", "r1").Return(nil).Once()
		defer db.AssertExpectations(t)

		su := &stats.MockStatsUpdater{}
		su.On("Incr", stats.PresencePushesTotal).Return().Times(2)
		a := newTestAggregator(t, db, su)

		a.handlePush(Update{Id: "r1", Connections: 1, Action: ActionEnter})
		list := a.handlePush(Update{Id: "r1", Action: ActionDelete})

		assert.Empty(t, list, "expected the entry gone after delete")
	})

	t.Run("unknown action returns the map unchanged", func(t *testing.T) {
		db := &database.MockRoomRepository{}
		db.On("ListOccupancy").Return([]types.RoomInfo{}, nil).Once()
		db.On("SaveOccupancy", types.RoomInfo{Id: "r1", Connections: 1}).Return(nil).Once()

		su := &stats.MockStatsUpdater{}
		su.On("Incr", stats.PresencePushesTotal).Return().Once()
		a := newTestAggregator(t, db, su)

		a.handlePush(Update{Id: "r1", Connections: 1, Action: ActionEnter})
		list := a.handlePush(Update{Id: "r1", Connections: 9, Action: "teleport"})

		assert.Equal(t, []types.RoomInfo{{Id: "r1", Connections: 1}}, list,
			"expected the unknown action to mutate nothing")
	})

	t.Run("snapshot is sorted by room id", func(t *testing.T) {
		db := &database.MockRoomRepository{}
		db.On("ListOccupancy").Return([]types.RoomInfo{}, nil).Once()
		db.On("SaveOccupancy", mock.Anything).Return(nil)

		su := &stats.MockStatsUpdater{}
		su.On("Incr", stats.PresencePushesTotal).Return()
		a := newTestAggregator(t, db, su)

		a.handlePush(Update{Id: "zeta", Connections: 1, Action: ActionEnter})
		a.handlePush(Update{Id: "alpha", Connections: 1, Action: ActionEnter})
		list := a.handlePush(Update{Id: "mid", Connections: 1, Action: ActionEnter})

		require.Len(t, list, 3)
		assert.Equal(t, "alpha", list[0].Id)
		assert.Equal(t, "mid", list[1].Id)
		assert.Equal(t, "zeta", list[2].Id)
	})

	t.Run("restores persisted occupancy before the first mutation", func(t *testing.T) {
		db := &database.MockRoomRepository{}
		db.On("ListOccupancy").Return([]types.RoomInfo{
			{Id: "r1", Connections: 4},
		}, nil).Once()
		db.On("SaveOccupancy", types.RoomInfo{Id: "r2", Connections: 1}).Return(nil).Once()
		defer db.AssertExpectations(t)

		su := &stats.MockStatsUpdater{}
		su.On("Incr", stats.PresencePushesTotal).Return().Once()
		a := newTestAggregator(t, db, su)

		list := a.handlePush(Update{Id: "r2", Connections: 1, Action: ActionEnter})

		assert.Equal(t, []types.RoomInfo{
			{Id: "r1", Connections: 4},
			{Id: "r2", Connections: 1},
		}, list, "expected pre-restart counts to survive")
	})
}

func Test_handleReset(t *testing.T) {
	db := &database.MockRoomRepository{}
	db.On("ListOccupancy").Return([]types.RoomInfo{{Id: "r1", Connections: 2}}, nil).Once()
	db.On("ResetOccupancy").Return(nil).Once()
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	a := newTestAggregator(t, db, su)

	a.handleReset()
	assert.Empty(t, a.snapshot(), "expected every entry wiped")
}

func TestAggregator_publicAPI(t *testing.T) {
	db := &database.MockRoomRepository{}
	db.On("ListOccupancy").Return([]types.RoomInfo{}, nil).Once()
	db.On("SaveOccupancy", types.RoomInfo{Id: "r1", Connections: 1}).Return(nil).Once()
	db.On("ResetOccupancy").Return(nil).Once()
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.PresencePushesTotal).Return().Once()
	a := newTestAggregator(t, db, su)

	go a.Run()

	list := a.Push(Update{Id: "r1", Connections: 1, Action: ActionEnter})
	assert.Equal(t, []types.RoomInfo{{Id: "r1", Connections: 1}}, list)

	assert.Equal(t, list, a.Read(), "expected Read to report the pushed state")

	a.Reset()
	assert.Empty(t, a.Read())

	a.Shutdown()
	assert.Nil(t, a.Push(Update{Id: "r2", Connections: 1, Action: ActionEnter}),
		"expected pushes after shutdown to return nothing")
}
