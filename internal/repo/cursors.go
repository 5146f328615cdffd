package repo

import (
	"context"
	"errors"
	"time"
)

// RelayCursor returns the last event id delivered to target. ok is false when
// the target has never been relayed to.
func (r Repo) RelayCursor(ctx context.Context, q Queryer, target string) (id int64, ok bool, err error) {
	err = get(ctx, q, &id, `SELECT last_event_id FROM relay_cursors WHERE target=?`, target)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (r Repo) SetRelayCursor(ctx context.Context, q Queryer, target string, id int64, at time.Time) error {
	_, err := exec(ctx, q, `INSERT INTO relay_cursors(target,last_event_id,updated_at) VALUES (?,?,?)
ON CONFLICT(target) DO UPDATE SET last_event_id=excluded.last_event_id, updated_at=excluded.updated_at`,
		target, id, FormatTime(at))
	return err
}
