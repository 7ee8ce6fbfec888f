package store

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"
)

// NewPostgres connects to dsn. Tables are created by the migrations in
// ./migrations, not here.
func NewPostgres(dsn string) (*SQL, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQL{db: d, dialect: dialectPostgres}
	if err := s.Ping(context.Background()); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

// newPostgresWithDB wraps an already open handle; used by tests with sqlmock.
func newPostgresWithDB(db *sql.DB) *SQL {
	return &SQL{db: db, dialect: dialectPostgres}
}
