// Package gdbsqlite contains a SQLite-backed [gdb.Store].
//
// Building with the purego tag, or without cgo,
// selects the pure Go modernc.org/sqlite driver;
// otherwise github.com/mattn/go-sqlite3 is used.
package gdbsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime/trace"
	"strings"
	"sync/atomic"

	"github.com/gordian-engine/gnode/gdb"
	"github.com/gordian-engine/gnode/gevent"
)

// Store is a [gdb.Store] backed by SQLite.
type Store struct {
	// The string "purego" or "cgo" depending on build tags.
	BuildType string

	// SQLite transaction locking interacts poorly with a single shared pool,
	// so reads and writes use separate pools.
	ro, rw *sql.DB
}

// NewOnDiskStore opens or creates the database file at dbPath.
func NewOnDiskStore(ctx context.Context, dbPath string) (*Store, error) {
	dbPath = filepath.Clean(dbPath)
	if _, err := os.Stat(dbPath); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat path %q: %w", dbPath, err)
		}

		// The startup pragmas fail unless the file exists.
		// O_EXCL so that we never truncate an existing database.
		f, err := os.OpenFile(dbPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to create empty database file: %w", err)
		}
		if err := f.Close(); err != nil {
			return nil, fmt.Errorf("failed to close new empty database file: %w", err)
		}
	}

	// With a single open connection,
	// competing writers block instead of failing with "database is locked".
	uri := "file:" + dbPath + "?mode=rw"

	rw, err := sql.Open(sqliteDriverType, uri)
	if err != nil {
		return nil, fmt.Errorf("error opening read-write database: %w", err)
	}
	rw.SetMaxOpenConns(1)

	// Persistent, and only relevant to on-disk databases.
	if _, err := rw.ExecContext(ctx, `PRAGMA journal_mode = WAL`); err != nil {
		_ = rw.Close()
		return nil, fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}

	if err := pragmasRW(ctx, rw); err != nil {
		_ = rw.Close()
		return nil, err
	}

	if err := migrate(ctx, rw); err != nil {
		_ = rw.Close()
		return nil, err
	}

	uri = strings.TrimSuffix(uri, "mode=rw") + "mode=ro"
	ro, err := sql.Open(sqliteDriverType, uri)
	if err != nil {
		_ = rw.Close()
		return nil, fmt.Errorf("error opening read-only database: %w", err)
	}
	if err := pragmasRO(ctx, ro); err != nil {
		_ = rw.Close()
		_ = ro.Close()
		return nil, err
	}

	return &Store{
		BuildType: sqliteBuildType,

		rw: rw,
		ro: ro,
	}, nil
}

var inMemNameCounter atomic.Uint32

// NewInMemStore returns a Store backed by a uniquely named,
// shared-cache in-memory database.
func NewInMemStore(ctx context.Context) (*Store, error) {
	dbName := fmt.Sprintf("gnodedb%d", inMemNameCounter.Add(1))

	// Both drivers support _txlock.
	// Immediate takes the write lock at the start of every transaction.
	const txLock = "&_txlock=immediate"
	uri := "file:" + dbName + "?mode=memory&cache=shared" + txLock

	rw, err := sql.Open(sqliteDriverType, uri)
	if err != nil {
		return nil, fmt.Errorf("error opening read-write database: %w", err)
	}

	// Concurrent writers on a shared in-memory cache report "table is locked"
	// and the busy handler does not help.
	rw.SetMaxOpenConns(1)

	if err := pragmasRW(ctx, rw); err != nil {
		_ = rw.Close()
		return nil, err
	}

	if err := migrate(ctx, rw); err != nil {
		_ = rw.Close()
		return nil, err
	}

	// In-memory databases cannot be opened read-only,
	// so the read pool only drops the transaction lock mode.
	ro, err := sql.Open(sqliteDriverType, strings.TrimSuffix(uri, txLock))
	if err != nil {
		_ = rw.Close()
		return nil, fmt.Errorf("error opening read-only database: %w", err)
	}
	if err := pragmasRO(ctx, ro); err != nil {
		_ = rw.Close()
		_ = ro.Close()
		return nil, err
	}

	return &Store{
		BuildType: sqliteBuildType,

		rw: rw,
		ro: ro,
	}, nil
}

func (s *Store) Close() error {
	errRO := s.ro.Close()
	if errRO != nil {
		errRO = fmt.Errorf("error closing read-only database: %w", errRO)
	}
	errRW := s.rw.Close()
	if errRW != nil {
		errRW = fmt.Errorf("error closing read-write database: %w", errRW)
	}

	return errors.Join(errRO, errRW)
}

func (s *Store) SaveBlock(ctx context.Context, h gevent.BlockHeader) error {
	defer trace.StartRegion(ctx, "SaveBlock").End()

	number, err := sqlHeight(h.Number)
	if err != nil {
		return err
	}

	_, err = s.rw.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO blocks(hash, number, parent_hash) VALUES(?, ?, ?)`,
		h.Hash[:], number, h.ParentHash[:],
	)
	if err != nil {
		return fmt.Errorf("failed to insert block: %w", err)
	}
	return nil
}

func (s *Store) LoadBlock(ctx context.Context, hash gevent.Hash) (gevent.BlockHeader, error) {
	defer trace.StartRegion(ctx, "LoadBlock").End()

	var number int64
	var parent []byte
	err := s.ro.QueryRowContext(
		ctx,
		`SELECT number, parent_hash FROM blocks WHERE hash = ?`,
		hash[:],
	).Scan(&number, &parent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return gevent.BlockHeader{}, gdb.BlockUnknownError{Hash: hash}
		}
		return gevent.BlockHeader{}, fmt.Errorf("failed to select block: %w", err)
	}

	ph, err := gevent.HashFromBytes(parent)
	if err != nil {
		return gevent.BlockHeader{}, fmt.Errorf("corrupt parent hash for block %s: %w", hash, err)
	}

	return gevent.BlockHeader{
		Number:     uint64(number),
		Hash:       hash,
		ParentHash: ph,
	}, nil
}

func (s *Store) CanonicalHash(ctx context.Context, height uint64) (gevent.Hash, error) {
	defer trace.StartRegion(ctx, "CanonicalHash").End()

	sh, err := sqlHeight(height)
	if err != nil {
		// Nothing can be stored that high.
		return gevent.Hash{}, gdb.HeightUnknownError{Want: height}
	}

	var b []byte
	err = s.ro.QueryRowContext(
		ctx,
		`SELECT hash FROM canonical WHERE height = ?`,
		sh,
	).Scan(&b)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return gevent.Hash{}, gdb.HeightUnknownError{Want: height}
		}
		return gevent.Hash{}, fmt.Errorf("failed to select canonical hash: %w", err)
	}

	return gevent.HashFromBytes(b)
}

func (s *Store) SetCanonical(ctx context.Context, fromHeight uint64, hashes []gevent.Hash) error {
	defer trace.StartRegion(ctx, "SetCanonical").End()

	if len(hashes) == 0 {
		return errors.New("SetCanonical requires at least one hash")
	}

	from, err := sqlHeight(fromHeight)
	if err != nil {
		return err
	}
	if uint64(len(hashes)-1) > math.MaxInt64-fromHeight {
		return fmt.Errorf(
			"%d canonical hashes from height %d exceed the maximum storable height %d",
			len(hashes), fromHeight, int64(math.MaxInt64),
		)
	}

	tx, err := s.rw.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var low, high sql.NullInt64
	if err := tx.QueryRowContext(
		ctx,
		`SELECT MIN(height), MAX(height) FROM canonical`,
	).Scan(&low, &high); err != nil {
		return fmt.Errorf("failed to load canonical range: %w", err)
	}
	if low.Valid {
		lo, hi := uint64(low.Int64), uint64(high.Int64)+1
		if fromHeight < lo || fromHeight > hi {
			return gdb.CanonicalGapError{Low: lo, High: hi, From: fromHeight}
		}
	}

	if _, err := tx.ExecContext(
		ctx,
		`DELETE FROM canonical WHERE height >= ?`,
		from,
	); err != nil {
		return fmt.Errorf("failed to delete canonical suffix: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO canonical(height, hash) VALUES(?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare canonical insert: %w", err)
	}
	defer stmt.Close()

	for i, h := range hashes {
		if _, err := stmt.ExecContext(ctx, from+int64(i), h[:]); err != nil {
			if isForeignKeyConstraintError(err) {
				return fmt.Errorf(
					"cannot mark unknown block canonical at height %d: %w",
					fromHeight+uint64(i), gdb.BlockUnknownError{Hash: h},
				)
			}
			return fmt.Errorf("failed to insert canonical hash: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit canonical update: %w", err)
	}
	return nil
}

func (s *Store) LoadHead(ctx context.Context) (gevent.BlockHeader, error) {
	defer trace.StartRegion(ctx, "LoadHead").End()

	var number int64
	var hash, parent []byte
	err := s.ro.QueryRowContext(
		ctx,
		`SELECT blocks.number, blocks.hash, blocks.parent_hash FROM canonical
JOIN blocks ON blocks.hash = canonical.hash
ORDER BY canonical.height DESC LIMIT 1`,
	).Scan(&number, &hash, &parent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return gevent.BlockHeader{}, gdb.ErrStoreUninitialized
		}
		return gevent.BlockHeader{}, fmt.Errorf("failed to select head: %w", err)
	}

	h := gevent.BlockHeader{Number: uint64(number)}
	if h.Hash, err = gevent.HashFromBytes(hash); err != nil {
		return gevent.BlockHeader{}, fmt.Errorf("corrupt head hash: %w", err)
	}
	if h.ParentHash, err = gevent.HashFromBytes(parent); err != nil {
		return gevent.BlockHeader{}, fmt.Errorf("corrupt head parent hash: %w", err)
	}
	return h, nil
}

func (s *Store) SaveFinalized(ctx context.Context, height uint64, hash gevent.Hash) error {
	defer trace.StartRegion(ctx, "SaveFinalized").End()

	sh, err := sqlHeight(height)
	if err != nil {
		return err
	}

	_, err = s.rw.ExecContext(
		ctx,
		`INSERT INTO finalized(id, height, hash) VALUES(0, ?, ?)
ON CONFLICT(id) DO UPDATE SET height = excluded.height, hash = excluded.hash`,
		sh, hash[:],
	)
	if err != nil {
		return fmt.Errorf("failed to save finalized head: %w", err)
	}
	return nil
}

func (s *Store) LoadFinalized(ctx context.Context) (uint64, gevent.Hash, error) {
	defer trace.StartRegion(ctx, "LoadFinalized").End()

	var height int64
	var b []byte
	err := s.ro.QueryRowContext(
		ctx,
		`SELECT height, hash FROM finalized WHERE id = 0`,
	).Scan(&height, &b)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, gevent.Hash{}, gdb.ErrStoreUninitialized
		}
		return 0, gevent.Hash{}, fmt.Errorf("failed to select finalized head: %w", err)
	}

	h, err := gevent.HashFromBytes(b)
	if err != nil {
		return 0, gevent.Hash{}, fmt.Errorf("corrupt finalized hash: %w", err)
	}
	return uint64(height), h, nil
}

func pragmasRW(ctx context.Context, db *sql.DB) error {
	defer trace.StartRegion(ctx, "pragmasRW").End()

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON;`); err != nil {
		return fmt.Errorf("failed to set foreign keys on: %w", err)
	}

	// https://www.sqlite.org/lang_analyze.html#periodically_run_pragma_optimize_
	if _, err := db.ExecContext(ctx, `PRAGMA optimize(0x10002);`); err != nil {
		return fmt.Errorf("failed to run startup PRAGMA optimize: %w", err)
	}

	return nil
}

func pragmasRO(ctx context.Context, db *sql.DB) error {
	defer trace.StartRegion(ctx, "pragmasRO").End()

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON;`); err != nil {
		return fmt.Errorf("failed to set foreign keys on: %w", err)
	}

	return nil
}

// sqlHeight converts a block height to a column value.
// SQLite integers are signed, so the top half of the uint64 range cannot be stored.
func sqlHeight(h uint64) (int64, error) {
	if h > math.MaxInt64 {
		return 0, fmt.Errorf("height %d exceeds the maximum storable height %d", h, int64(math.MaxInt64))
	}
	return int64(h), nil
}
