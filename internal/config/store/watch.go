package store

import (
	"context"
	"database/sql"
	"time"
)

// ChangeSnapshot captures update markers for the backend tables.
type ChangeSnapshot struct {
	Backends       string
	BackendCount   int
	CurrentBackend string
	CurrentMarker  string
}

// ChangeEvent describes what changed since the last snapshot.
type ChangeEvent struct {
	BackendsChanged bool
	CurrentChanged  bool
	Snapshot        ChangeSnapshot
}

// Changed returns true when at least one tracked group changed.
func (e ChangeEvent) Changed() bool {
	return e.BackendsChanged || e.CurrentChanged
}

// Watch polls the store and emits an event whenever the backend list or the
// current selection changes. The caller must cancel ctx to terminate the
// watcher. The interval is clamped to a minimum of 500ms.
func (s *Store) Watch(ctx context.Context, interval time.Duration) (<-chan ChangeEvent, error) {
	if s == nil {
		return nil, sql.ErrConnDone
	}

	if interval <= 0 {
		interval = time.Second
	}
	if interval < 500*time.Millisecond {
		interval = 500 * time.Millisecond
	}

	out := make(chan ChangeEvent, 1)

	initial, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	go func() {
		defer close(out)

		last := initial
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				next, err := s.snapshot(ctx)
				if err != nil {
					continue
				}

				ev := diffSnapshots(last, next)
				if !ev.Changed() {
					continue
				}
				select {
				case out <- ev:
					last = next
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (s *Store) snapshot(ctx context.Context) (ChangeSnapshot, error) {
	var snap ChangeSnapshot
	if err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*), IFNULL(MAX(updated_at), '')
        FROM backends
    `).Scan(&snap.BackendCount, &snap.Backends); err != nil {
		return ChangeSnapshot{}, err
	}

	if err := s.db.QueryRowContext(ctx, `
        SELECT IFNULL(MAX(value), ''), IFNULL(MAX(updated_at), '')
        FROM settings
        WHERE key = ?
    `, settingCurrentBackend).Scan(&snap.CurrentBackend, &snap.CurrentMarker); err != nil {
		return ChangeSnapshot{}, err
	}

	return snap, nil
}

func diffSnapshots(prev, curr ChangeSnapshot) ChangeEvent {
	return ChangeEvent{
		BackendsChanged: curr.Backends != prev.Backends || curr.BackendCount != prev.BackendCount,
		CurrentChanged:  curr.CurrentBackend != prev.CurrentBackend || curr.CurrentMarker != prev.CurrentMarker,
		Snapshot:        curr,
	}
}
