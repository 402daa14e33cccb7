package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/juano2310/SuperCANBus-sub000/internal/logging"
)

const sqliteInitSQL = `
CREATE TABLE IF NOT EXISTS records (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);`

// SQLiteStore is a Gateway backed by a single key/blob table. Suitable for
// broker hosts where the snapshot-file backend is too coarse.
type SQLiteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// OpenSQLite opens (and initializes) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %q: %w", path, err)
	}
	if _, err := db.Exec(sqliteInitSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init sqlite %q: %w", path, err)
	}
	return &SQLiteStore{db: db, log: logging.Component("sqlitestore")}, nil
}

func (s *SQLiteStore) Get(key string) ([]byte, bool) {
	var val []byte
	err := s.db.QueryRow(`SELECT value FROM records WHERE key = ?`, key).Scan(&val)
	if err != nil {
		if err != sql.ErrNoRows {
			s.log.Error().Err(err).Str("key", key).Msg("get failed")
		}
		return nil, false
	}
	return val, true
}

func (s *SQLiteStore) Put(key string, val []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO records (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, val,
	)
	if err != nil {
		return fmt.Errorf("store: put %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Clear(key string) {
	if _, err := s.db.Exec(`DELETE FROM records WHERE key = ?`, key); err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("clear failed")
	}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
