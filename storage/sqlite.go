package storage

import (
	"database/sql"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLite is a Backend persisted in a single SQLite database file. Write sets
// are applied inside one database transaction.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "setting busy timeout")
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS cells (
		address BLOB NOT NULL,
		tag TEXT NOT NULL,
		value BLOB NOT NULL,
		PRIMARY KEY (address, tag)
	)`)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating table")
	}

	log.Infof("opened sqlite storage at %s", path)
	return &SQLite{db}, nil
}

func (s *SQLite) Get(path AccessPath) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM cells WHERE address = ? AND tag = ?", path.Address[:], path.Tag).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "reading %s", path)
	}
	return value, true, nil
}

func (s *SQLite) Apply(ws WriteSet) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "beginning write set")
	}
	for _, op := range ws {
		if op.IsDelete() {
			_, err = tx.Exec("DELETE FROM cells WHERE address = ? AND tag = ?", op.Path.Address[:], op.Path.Tag)
		} else {
			_, err = tx.Exec("INSERT OR REPLACE INTO cells (address, tag, value) VALUES (?, ?, ?)", op.Path.Address[:], op.Path.Tag, op.Value)
		}
		if err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "writing %s", op.Path)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing write set")
	}
	log.Debugf("applied %d writes to sqlite storage", len(ws))
	return nil
}

func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
