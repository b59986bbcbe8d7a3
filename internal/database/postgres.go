package database

import (
	"database/sql"
	"fmt"
)

type PgRoomRepository struct {
	conn *sql.DB
}

func NewPgRoomRepository(dsn string) (*PgRoomRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	repo := &PgRoomRepository{conn: db}
	if err := repo.ensureTables(); err != nil {
		return nil, fmt.Errorf("ensure tables: %w", err)
	}

	return repo, nil
}

func (db *PgRoomRepository) ensureTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_logs (
			room_id text PRIMARY KEY,
			messages jsonb NOT NULL,
			updated_at timestamptz NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS document_records (
			room_id text NOT NULL,
			version integer NOT NULL,
			record_id text NOT NULL,
			record jsonb NOT NULL,
			PRIMARY KEY (room_id, version, record_id)
		)`,
		`CREATE TABLE IF NOT EXISTS document_schemas (
			room_id text NOT NULL,
			version integer NOT NULL,
			schema integer NOT NULL,
			PRIMARY KEY (room_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS room_occupancy (
			room_id text PRIMARY KEY,
			connections integer NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.conn.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}

func (db *PgRoomRepository) Ping() error {
	return db.conn.Ping()
}

func (db *PgRoomRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
