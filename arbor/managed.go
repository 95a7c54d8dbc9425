package arbor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arborfs/arbor/lock"
	"github.com/arborfs/arbor/snapshot"
	"github.com/arborfs/arbor/tx"
)

// maxRestartsPerCall bounds how many times Update/View will silently
// retry a callback after a transaction_restart before giving up and
// surfacing the restart to the caller — a restart storm past this point
// means something structural is wrong, not transient contention.
const maxRestartsPerCall = 64

// defaultReservationSectors is the disk reservation Update hands every
// commit when the caller's callback doesn't need to size one itself.
// Callers writing large extents should reserve through the Transaction
// directly rather than relying on this default.
const defaultReservationSectors = 256

// baseBackoff and maxBackoff bound the exponential backoff Update/View
// apply between retries after a restart, keyed by the transaction's own
// consecutive-restart counter — this call-site's history, not a
// process-wide average (spec.md §9 Open Question (i), decided in
// DESIGN.md).
const (
	baseBackoff = time.Millisecond
	maxBackoff  = 250 * time.Millisecond
)

func backoffFor(consecutive uint32) time.Duration {
	if consecutive > 12 {
		consecutive = 12
	}
	d := baseBackoff * time.Duration(uint64(1)<<consecutive)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// View executes fn within a read-only transaction scoped to the
// filesystem's default subvolume, retrying automatically on
// lock.Restart the way Update does. fn must not call Commit; any
// pending update staged inside it is discarded once fn returns, since
// its result is never committed.
//
// Grounded in the teacher's DB.View: begin, run the callback, release —
// with a restart-retry loop added since this engine's path acquisition
// can fail with a typed restart where bolt's never would.
func (fs *FS) View(ctx context.Context, fn func(*tx.Transaction) error) error {
	return fs.run(ctx, fs.DefaultSnapshot(), fn, false)
}

// ViewAt is View scoped to snap instead of the filesystem's default
// snapshot, for reading through a forked subvolume without making it the
// default for every other caller's transactions.
func (fs *FS) ViewAt(ctx context.Context, snap snapshot.ID, fn func(*tx.Transaction) error) error {
	return fs.run(ctx, snap, fn, false)
}

// Update executes fn within a read-write transaction, committing if fn
// returns nil and discarding every pending update otherwise. Like View,
// a lock.Restart caught while running fn or committing is retried
// in-place up to maxRestartsPerCall times before being returned.
//
// Grounded in the teacher's DB.Update: begin, run the callback inside a
// panic-safe deferred rollback, commit on success — with fn's pending
// updates replacing bolt's direct Bucket mutations, and the teacher's
// single Commit call replaced by a restart-retry loop around Commit.
func (fs *FS) Update(ctx context.Context, fn func(*tx.Transaction) error) error {
	return fs.run(ctx, fs.DefaultSnapshot(), fn, true)
}

// UpdateAt is Update scoped to snap instead of the filesystem's default
// snapshot, for writing into a forked subvolume. The caller is
// responsible for stamping any key it stages with snap's own ID in a
// snapshotted tree (spec.md §4.9) — Commit writes exactly the key it is
// given.
func (fs *FS) UpdateAt(ctx context.Context, snap snapshot.ID, fn func(*tx.Transaction) error) error {
	return fs.run(ctx, snap, fn, true)
}

func (fs *FS) run(ctx context.Context, snap snapshot.ID, fn func(*tx.Transaction) error, writable bool) error {
	if fs.IsReadOnly() && writable {
		return ErrEmergencyReadOnly
	}

	t := tx.Begin(fs.engine, snap)
	for attempt := 0; ; attempt++ {
		err := fs.runOnce(ctx, t, fn, writable)
		var restart lock.Restart
		if errors.As(err, &restart) {
			if attempt >= maxRestartsPerCall {
				fs.log.WithField("restart_kind", restart.Kind).Warn("giving up after repeated transaction restarts")
				return err
			}
			d := backoffFor(t.Priority().Consecutive())
			fs.log.WithFields(logrus.Fields{"restart_kind": restart.Kind, "backoff": d}).Debug("retrying transaction after restart")
			select {
			case <-ctx.Done():
				t.Put()
				return ctx.Err()
			case <-time.After(d):
			}
			continue
		}
		t.Put()
		return err
	}
}

// runOnce is one begin/fn/commit attempt. A panic inside fn still
// releases every path and pending update fn staged, the same
// defer-protected guarantee the teacher's Update/View give their
// callback.
func (fs *FS) runOnce(ctx context.Context, t *tx.Transaction, fn func(*tx.Transaction) error, writable bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("arbor: transaction panicked: %v", r)
		}
	}()

	if err := fn(t); err != nil {
		return err
	}
	if !writable {
		return nil
	}

	reservation, err := fs.engine.Alloc.ReservationGet(defaultReservationSectors, fs.sb.Options.Replicas, 0)
	if err != nil {
		return fmt.Errorf("arbor: reserve commit space: %w", err)
	}
	defer fs.engine.Alloc.ReleaseReservation(reservation)

	if _, err := t.Commit(ctx, reservation, tx.CommitFlags{Flush: true}); err != nil {
		var restart lock.Restart
		if errors.As(err, &restart) {
			return err
		}
		fs.EnterEmergencyReadOnly(err)
		return fmt.Errorf("arbor: commit: %w", err)
	}
	return nil
}
