package database

import (
	"encoding/json"

	"github.com/collabfab/roomserver/internal/types"
)

type RoomRepository interface {
	Ping() error

	// Chat logs are stored as one ordered list per room.
	GetChatLog(roomId string) ([]types.ChatMessage, error)
	SaveChatLog(roomId string, messages []types.ChatMessage) error

	// CRDT rooms persist a key-value mirror of the record set plus a
	// schema marker per (room, version). A schema of zero means the
	// room has never been seeded.
	GetDocumentRecords(roomId string, version int) (map[string]json.RawMessage, error)
	ReplaceDocumentRecords(roomId string, version int, records map[string]json.RawMessage) error
	GetDocumentSchema(roomId string, version int) (int, error)
	SaveDocumentSchema(roomId string, version int, schema int) error

	ListOccupancy() ([]types.RoomInfo, error)
	SaveOccupancy(info types.RoomInfo) error
	DeleteOccupancy(roomId string) error
	ResetOccupancy() error
}
