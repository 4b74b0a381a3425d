package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const notifyChannel = "handshake_slots"

// Postgres keeps slots in the handshake_slots table and signals writes
// with NOTIFY so waiters on other hosts wake up without polling.
type Postgres struct {
	Pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{Pool: pool}
}

func (s *Postgres) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.Pool.QueryRow(ctx, `SELECT value FROM handshake_slots WHERE key=$1`, key).Scan(&v)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

func (s *Postgres) Set(ctx context.Context, key, value string) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO handshake_slots (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=now()
	`, key, value)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, key)
	return err
}

func (s *Postgres) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.Pool.Exec(ctx, `DELETE FROM handshake_slots WHERE key = ANY($1)`, keys)
	return err
}

func (s *Postgres) Take(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.Pool.QueryRow(ctx, `DELETE FROM handshake_slots WHERE key=$1 RETURNING value`, key).Scan(&v)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

// Watch holds a pooled connection in LISTEN mode until stop is called.
func (s *Postgres) Watch(ctx context.Context, key string) (<-chan struct{}, func(), error) {
	conn, err := s.Pool.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		releaseListener(pooledConn{conn})
		return nil, nil, err
	}

	wctx, cancel := context.WithCancel(ctx)
	ch := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer releaseListener(pooledConn{conn})
		for {
			n, err := conn.Conn().WaitForNotification(wctx)
			if err != nil {
				if wctx.Err() == nil {
					log.Warn().Err(err).Str("key", key).Msg("slot listener stopped")
				}
				return
			}
			if n.Payload != key {
				continue
			}
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()

	stop := func() {
		cancel()
		<-done
	}
	return ch, stop, nil
}

type listenConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	IsClosed() bool
	Close(ctx context.Context) error
	Release()
}

type pooledConn struct {
	*pgxpool.Conn
}

func (c pooledConn) IsClosed() bool { return c.Conn.Conn().IsClosed() }

func (c pooledConn) Close(ctx context.Context) error { return c.Conn.Conn().Close(ctx) }

// releaseListener unlistens before returning the connection to the pool.
// A connection that cannot be unlistened is closed and the pool discards it.
func releaseListener(conn listenConn) {
	defer conn.Release()
	if conn.IsClosed() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.Exec(ctx, "UNLISTEN "+notifyChannel); err != nil {
		log.Warn().Err(err).Msg("unlisten failed, dropping connection")
		_ = conn.Close(ctx)
	}
}

func (s *Postgres) NextDerivationIndex(ctx context.Context) (int64, error) {
	var idx int64
	err := s.Pool.QueryRow(ctx, "SELECT nextval('sink_derivation_index_seq')").Scan(&idx)
	return idx, err
}

// PurgeBefore removes slots last written before t, such as markers left by
// handshakes the user abandoned.
func (s *Postgres) PurgeBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.Pool.Exec(ctx, `DELETE FROM handshake_slots WHERE updated_at < $1`, t)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}
