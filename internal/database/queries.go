package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/collabfab/roomserver/internal/types"
)

func (db *PgRoomRepository) GetChatLog(roomId string) ([]types.ChatMessage, error) {
	row := db.conn.QueryRow(
		"SELECT messages FROM chat_logs WHERE room_id = $1 LIMIT 1",
		roomId,
	)

	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return []types.ChatMessage{}, nil
		}
		return nil, err
	}

	var messages []types.ChatMessage
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, fmt.Errorf("unmarshal chat log: %w", err)
	}

	return messages, nil
}

func (db *PgRoomRepository) SaveChatLog(roomId string, messages []types.ChatMessage) error {
	raw, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("marshal chat log: %w", err)
	}

	_, err = db.conn.Exec(
		"INSERT INTO chat_logs (room_id, messages, updated_at) VALUES ($1, $2, $3) "+
			"ON CONFLICT (room_id) DO UPDATE SET messages = $2, updated_at = $3",
		roomId,
		raw,
		time.Now().UTC(),
	)

	return err
}

func (db *PgRoomRepository) GetDocumentRecords(roomId string, version int) (map[string]json.RawMessage, error) {
	rows, err := db.conn.Query(
		"SELECT record_id, record FROM document_records WHERE room_id = $1 AND version = $2",
		roomId,
		version,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make(map[string]json.RawMessage)
	for rows.Next() {
		var id string
		var record []byte
		if err := rows.Scan(&id, &record); err != nil {
			return nil, err
		}
		records[id] = json.RawMessage(record)
	}

	return records, rows.Err()
}

func (db *PgRoomRepository) ReplaceDocumentRecords(roomId string, version int, records map[string]json.RawMessage) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"DELETE FROM document_records WHERE room_id = $1 AND version = $2",
		roomId,
		version,
	); err != nil {
		return err
	}

	for id, record := range records {
		if _, err := tx.Exec(
			"INSERT INTO document_records (room_id, version, record_id, record) VALUES ($1, $2, $3, $4)",
			roomId,
			version,
			id,
			[]byte(record),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (db *PgRoomRepository) GetDocumentSchema(roomId string, version int) (int, error) {
	row := db.conn.QueryRow(
		"SELECT schema FROM document_schemas WHERE room_id = $1 AND version = $2 LIMIT 1",
		roomId,
		version,
	)

	var schema int
	if err := row.Scan(&schema); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}

	return schema, nil
}

func (db *PgRoomRepository) SaveDocumentSchema(roomId string, version, schema int) error {
	_, err := db.conn.Exec(
		"INSERT INTO document_schemas (room_id, version, schema) VALUES ($1, $2, $3) "+
			"ON CONFLICT (room_id, version) DO UPDATE SET schema = $3",
		roomId,
		version,
		schema,
	)

	return err
}

func (db *PgRoomRepository) ListOccupancy() ([]types.RoomInfo, error) {
	rows, err := db.conn.Query(
		"SELECT room_id, connections FROM room_occupancy ORDER BY room_id",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []types.RoomInfo
	for rows.Next() {
		var info types.RoomInfo
		if err := rows.Scan(&info.Id, &info.Connections); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}

	return infos, rows.Err()
}

func (db *PgRoomRepository) SaveOccupancy(info types.RoomInfo) error {
	_, err := db.conn.Exec(
		"INSERT INTO room_occupancy (room_id, connections) VALUES ($1, $2) "+
			"ON CONFLICT (room_id) DO UPDATE SET connections = $2",
		info.Id,
		info.Connections,
	)

	return err
}

func (db *PgRoomRepository) DeleteOccupancy(roomId string) error {
	_, err := db.conn.Exec(
		"DELETE FROM room_occupancy WHERE room_id = $1",
		roomId,
	)

	return err
}

func (db *PgRoomRepository) ResetOccupancy() error {
	_, err := db.conn.Exec("DELETE FROM room_occupancy")
	return err
}
