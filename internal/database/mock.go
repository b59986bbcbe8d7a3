package database

import (
	"encoding/json"

	"github.com/stretchr/testify/mock"

	"github.com/collabfab/roomserver/internal/types"
)

type MockRoomRepository struct {
	mock.Mock
}

func (m *MockRoomRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRoomRepository) GetChatLog(roomId string) ([]types.ChatMessage, error) {
	args := m.Called(roomId)
	return args.Get(0).([]types.ChatMessage), args.Error(1)
}
func (m *MockRoomRepository) SaveChatLog(roomId string, messages []types.ChatMessage) error {
	args := m.Called(roomId, messages)
	return args.Error(0)
}
func (m *MockRoomRepository) GetDocumentRecords(roomId string, version int) (map[string]json.RawMessage, error) {
	args := m.Called(roomId, version)
	return args.Get(0).(map[string]json.RawMessage), args.Error(1)
}
func (m *MockRoomRepository) ReplaceDocumentRecords(roomId string, version int, records map[string]json.RawMessage) error {
	args := m.Called(roomId, version, records)
	return args.Error(0)
}
func (m *MockRoomRepository) GetDocumentSchema(roomId string, version int) (int, error) {
	args := m.Called(roomId, version)
	return args.Int(0), args.Error(1)
}
func (m *MockRoomRepository) SaveDocumentSchema(roomId string, version, schema int) error {
	args := m.Called(roomId, version, schema)
	return args.Error(0)
}
func (m *MockRoomRepository) ListOccupancy() ([]types.RoomInfo, error) {
	args := m.Called()
	return args.Get(0).([]types.RoomInfo), args.Error(1)
}
func (m *MockRoomRepository) SaveOccupancy(info types.RoomInfo) error {
	args := m.Called(info)
	return args.Error(0)
}
func (m *MockRoomRepository) DeleteOccupancy(roomId string) error {
	args := m.Called(roomId)
	return args.Error(0)
}
func (m *MockRoomRepository) ResetOccupancy() error {
	args := m.Called()
	return args.Error(0)
}
