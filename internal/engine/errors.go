package engine

import (
	"context"
	"database/sql/driver"
	"errors"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"

	"journeyline/internal/domain"
	"journeyline/internal/repo"
)

// notFound converts the storage sentinel into the typed error callers see.
func notFound(entity, id string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return &domain.NotFoundError{Entity: entity, ID: id}
	}
	return err
}

const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

// IsTransient reports storage failures worth retrying: a dropped connection,
// a busy or locked SQLite database, or a PostgreSQL connection exception.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "08"
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqliteBusy, sqliteLocked:
			return true
		}
	}
	return false
}

// RetryPolicy bounds the retries of read-only operations. Mutations are never
// retried.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

var DefaultRetry = RetryPolicy{Attempts: 3, Backoff: 25 * time.Millisecond}

func retryRead[T any](ctx context.Context, p RetryPolicy, fn func() (T, error)) (T, error) {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	wait := p.Backoff
	var (
		res T
		err error
	)
	for attempt := 1; ; attempt++ {
		res, err = fn()
		if err == nil || !IsTransient(err) || attempt >= p.Attempts {
			return res, err
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return res, errors.Join(err, ctx.Err())
		case <-timer.C:
		}
		wait *= 2
	}
}
