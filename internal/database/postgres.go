package database

import (
	"database/sql"
)

type PgSensaRepository struct {
	conn *sql.DB
}

func NewPgSensaRepository(dsn string) (*PgSensaRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PgSensaRepository{conn: db}, nil
}

func (db *PgSensaRepository) Ping() error {
	return db.conn.Ping()
}

func (db *PgSensaRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
