package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/ledgervault/crypto"
	"github.com/jmcleod/ledgervault/storage"
)

const taskQueueSize = 64

// task is one unit of work for the persistence worker. Tasks run strictly
// one at a time in submission order.
type task struct {
	run  func()
	done chan struct{}
}

func (v *Vault) runWorker() {
	defer close(v.workerDone)
	for {
		select {
		case t := <-v.tasks:
			v.metrics.SetQueueDepth(len(v.tasks))
			t.run()
			close(t.done)
		case <-v.stop:
			return
		}
	}
}

// submit queues fn on the worker and waits for it to finish.
func (v *Vault) submit(ctx context.Context, fn func()) error {
	t := task{run: fn, done: make(chan struct{})}
	select {
	case v.tasks <- t:
	case <-v.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-t.done:
		return nil
	case <-v.workerDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// schedulePersist queues a persistence task unless one is already waiting;
// the waiting task snapshots the session when it runs, so it covers every
// mutation made before then.
func (v *Vault) schedulePersist() {
	if !v.persistPending.CompareAndSwap(false, true) {
		return
	}
	t := task{
		run: func() {
			v.persistPending.Store(false)
			_ = v.persist(false)
		},
		done: make(chan struct{}),
	}
	select {
	case v.tasks <- t:
		v.metrics.SetQueueDepth(len(v.tasks))
	case <-v.stop:
		v.persistPending.Store(false)
	default:
		// Queue full of Flush barriers, each of which persists a dirty session.
		v.persistPending.Store(false)
	}
}

// Flush waits until every previously scheduled write has run, then persists
// the session if it is still dirty. It returns that final write's error.
func (v *Vault) Flush(ctx context.Context) error {
	var err error
	if serr := v.submit(ctx, func() { err = v.persist(false) }); serr != nil {
		return serr
	}
	return err
}

// persistNow writes the blob even if the session is clean.
func (v *Vault) persistNow(ctx context.Context) error {
	var err error
	if serr := v.submit(ctx, func() { err = v.persist(true) }); serr != nil {
		return serr
	}
	return err
}

// persist encrypts the full field map under the session key and writes it
// with a CAS on the blob version read at unlock. It runs only on the worker.
func (v *Vault) persist(force bool) error {
	snap, ok := v.session.snapshot()
	if !ok {
		return nil
	}
	if !force && !snap.dirty {
		return nil
	}
	start := time.Now()

	env, err := crypto.Encrypt(snap.key, snap.payload, crypto.SealOptions{Salt: snap.salt, KDF: snap.kdf, AAD: AADRoot})
	if err != nil {
		v.persistFailed(snap.userID, StageEncrypt, err, start)
		return fmt.Errorf("encrypting vault blob: %w", err)
	}
	data, err := env.Marshal()
	if err != nil {
		v.persistFailed(snap.userID, StageEncrypt, err, start)
		return fmt.Errorf("encoding vault blob: %w", err)
	}

	target := snap.blobVersion + 1
	err = v.repo.PutCAS(snap.userID, KeyBlob, snap.blobVersion, &storage.Record{Value: data, Version: target})
	if errors.Is(err, storage.ErrCASFailed) {
		return v.collision(snap.userID, snap.blobVersion, target, start)
	}
	if err != nil {
		v.persistFailed(snap.userID, StageWrite, err, start)
		return fmt.Errorf("writing vault blob: %w", err)
	}

	v.session.commitPersist(snap, target)
	v.metrics.ObservePersist("ok", time.Since(start))
	v.logger.Debug("vault blob persisted",
		slog.String("user_id", snap.userID),
		slog.Uint64("version", target),
	)
	return nil
}

// collision reports a blob that another writer replaced. It is surfaced,
// never resolved: the session stays dirty until the user re-unlocks.
func (v *Vault) collision(userID string, expected, target uint64, start time.Time) error {
	var existing uint64
	if rec, err := v.repo.Get(userID, KeyBlob); err == nil {
		existing = rec.Version
	}
	v.metrics.ObservePersist("collision", time.Since(start))
	v.logger.Warn("vault blob write refused: storage collision",
		slog.String("user_id", userID),
		slog.Uint64("existing_version", existing),
		slog.Uint64("target_version", target),
	)
	v.emit(Event{
		Type:            EventStorageCollision,
		UserID:          userID,
		Key:             KeyBlob,
		ExistingVersion: existing,
		TargetVersion:   target,
	})
	return fmt.Errorf("%w: blob is at v%d, expected v%d", ErrStorageCollision, existing, expected)
}

// persistFailed logs encrypt and write failures distinctly.
func (v *Vault) persistFailed(userID, stage string, err error, start time.Time) {
	v.metrics.ObservePersist(stage+"_error", time.Since(start))
	v.logger.Error("vault persistence failed",
		slog.String("user_id", userID),
		slog.String("stage", stage),
		slog.String("error", err.Error()),
	)
	v.emit(Event{Type: EventPersistFailed, UserID: userID, Stage: stage})
}
