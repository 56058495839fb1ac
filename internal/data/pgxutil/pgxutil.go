// Package pgxutil runs job store transactions over database/sql handles backed by pgx.
// Transactions that Postgres aborts with a serialization failure or a deadlock are
// replayed with a short backoff, since every job mutation is a read-modify-write.
package pgxutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/domain/retry"
)

// DefaultTxAttempts bounds how often a transaction is run when Postgres aborts it.
const DefaultTxAttempts = 3

// txBackoff spaces replays of an aborted transaction.
var txBackoff = retry.Policy{
	BaseDelay:     5 * time.Millisecond,
	MaxDelay:      50 * time.Millisecond,
	MaxRetries:    DefaultTxAttempts,
	JitterCeiling: 5 * time.Millisecond,
}

// SQLTxConfig configures WithSQLTx.
type SQLTxConfig struct {
	Opts        *sql.TxOptions
	MaxAttempts int // Optional: defaults to DefaultTxAttempts
	Fn          func(*sql.Tx) error
}

// TxConfig configures WithPgxTx.
type TxConfig struct {
	Opts        *sql.TxOptions
	MaxAttempts int // Optional: defaults to DefaultTxAttempts
	Fn          func(pgx.Tx) error
}

// IsTxConflict reports whether err is a Postgres abort that succeeds when the whole
// transaction is replayed.
func IsTxConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
}

// replay runs fn until it succeeds, fails with something other than a transaction
// conflict, or uses up attempts.
func replay(ctx context.Context, attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = DefaultTxAttempts
	}
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil || !IsTxConflict(err) || attempt >= attempts {
			return err
		}
		timer := time.NewTimer(txBackoff.Delay(attempt, txBackoff.Jitter()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}

// WithSQLTx runs cfg.Fn within a database/sql transaction.
func WithSQLTx(ctx context.Context, db *sql.DB, cfg SQLTxConfig) error {
	return replay(ctx, cfg.MaxAttempts, func() error {
		return sqlTxOnce(ctx, db, cfg)
	})
}

func sqlTxOnce(ctx context.Context, db *sql.DB, cfg SQLTxConfig) (err error) {
	tx, err := db.BeginTx(ctx, cfg.Opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rerr))
		}
	}()
	if err = cfg.Fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// WithPgxTx runs cfg.Fn within a pgx transaction on a connection taken from db.
func WithPgxTx(ctx context.Context, db *sql.DB, cfg TxConfig) error {
	opts := ToPgxTxOptions(cfg.Opts)
	return replay(ctx, cfg.MaxAttempts, func() error {
		return WithPgxConn(ctx, db, func(conn *pgx.Conn) error {
			return pgx.BeginTxFunc(ctx, conn, opts, cfg.Fn)
		})
	})
}

// WithPgxConn borrows a connection from db and hands its *pgx.Conn to fn.
func WithPgxConn(ctx context.Context, db *sql.DB, fn func(*pgx.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() { _ = conn.Close() }()

	return conn.Raw(func(dc any) error {
		std, ok := dc.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", dc)
		}
		return fn(std.Conn())
	})
}

// AdvisoryLock is a two-key transaction-scoped advisory lock.
type AdvisoryLock struct {
	Namespace int32
	Key       int32
}

// NamedLock derives the lock for name within namespace.
func NamedLock(namespace int32, name string) AdvisoryLock {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return AdvisoryLock{Namespace: namespace, Key: int32(h.Sum32() & 0x7fffffff)} // #nosec G115 - masked to 31 bits
}

// TryAdvisoryXactLock attempts pg_try_advisory_xact_lock inside tx. The lock is held
// until the transaction ends. It reports false when another session holds it.
func TryAdvisoryXactLock(ctx context.Context, tx *sql.Tx, lock AdvisoryLock) (bool, error) {
	var locked bool
	if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", lock.Namespace, lock.Key).Scan(&locked); err != nil {
		return false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	return locked, nil
}

var isoLevels = map[sql.IsolationLevel]pgx.TxIsoLevel{
	sql.LevelSerializable:    pgx.Serializable,
	sql.LevelLinearizable:    pgx.Serializable,
	sql.LevelRepeatableRead:  pgx.RepeatableRead,
	sql.LevelSnapshot:        pgx.RepeatableRead,
	sql.LevelReadCommitted:   pgx.ReadCommitted,
	sql.LevelWriteCommitted:  pgx.ReadCommitted,
	sql.LevelReadUncommitted: pgx.ReadUncommitted,
}

// ToPgxTxOptions converts sql.TxOptions to pgx.TxOptions. Unknown isolation levels use
// the server default.
func ToPgxTxOptions(opts *sql.TxOptions) pgx.TxOptions {
	var out pgx.TxOptions
	if opts == nil {
		return out
	}
	out.IsoLevel = isoLevels[opts.Isolation]
	out.AccessMode = pgx.ReadWrite
	if opts.ReadOnly {
		out.AccessMode = pgx.ReadOnly
	}
	return out
}
