package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rotisserie/eris"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var (
	ErrNotFound  = eris.New("record not found")
	ErrDuplicate = eris.New("duplicate key")
)

// Store is the single authoritative home of queue, duel and user state.
// Every read-modify-write goes through Transaction.
type Store struct {
	db       *gorm.DB
	rowLocks bool
}

// Open connects to postgres or to a sqlite file. SQLite is limited to one open
// connection so that transactions serialise the same way row locks do on
// postgres.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, eris.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, eris.Wrap(err, "failed to connect to database")
	}

	if driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, eris.Wrap(err, "failed to get sqlite handle")
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db), nil
}

func New(db *gorm.DB) *Store {
	return &Store{db: db, rowLocks: db.Dialector.Name() == DriverPostgres}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return eris.Wrap(err, "failed to get database handle")
	}
	return sqlDB.Close()
}

// Transaction runs fn inside one database transaction. Returning an error
// rolls back everything fn did.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&Tx{db: db, rowLocks: s.rowLocks})
	})
}

// Tx exposes the queue, duel and user operations bound to one transaction.
type Tx struct {
	db       *gorm.DB
	rowLocks bool
}

// Savepoint runs fn in a nested transaction so a failed statement (a unique
// violation, typically) can be rolled back without aborting the outer one.
func (t *Tx) Savepoint(fn func(tx *Tx) error) error {
	return t.db.Transaction(func(db *gorm.DB) error {
		return fn(&Tx{db: db, rowLocks: t.rowLocks})
	})
}

// forUpdate adds SELECT ... FOR UPDATE where the dialect supports it.
func (t *Tx) forUpdate() *gorm.DB {
	if t.rowLocks {
		return t.db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return t.db
}

func translate(err error, msg string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return eris.Wrap(ErrNotFound, msg)
	case isDuplicate(err):
		return eris.Wrap(ErrDuplicate, msg)
	default:
		return eris.Wrap(err, msg)
	}
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	text := err.Error()
	return strings.Contains(text, "UNIQUE constraint failed") ||
		strings.Contains(text, "duplicate key value")
}
