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

// Rotate re-keys the vault: it checks oldPassword against the stored
// sentinel, derives a new key from newPassword over a fresh salt, and writes
// the re-encrypted blob, a new sentinel and the new profile in one batch.
// The session keeps its fields and switches to the new key. An empty kdf
// keeps the current one.
//
// Nothing is written unless the old password verifies.
func (v *Vault) Rotate(ctx context.Context, oldPassword, newPassword string, kdf crypto.KDF) (*Profile, error) {
	if !v.IsUnlocked() {
		return nil, ErrLocked
	}
	cur, ok := v.session.snapshot()
	if !ok {
		return nil, ErrLocked
	}
	if kdf == "" {
		kdf = cur.kdf
	}
	oldKD, ok := v.kdfs[cur.kdf]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKDF, cur.kdf)
	}
	newKD, ok := v.kdfs[kdf]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKDF, kdf)
	}

	oldKey, err := oldKD.Derive(oldPassword, cur.salt)
	if err != nil {
		return nil, err
	}
	if err := v.verifyKey(cur.userID, oldKey); err != nil {
		return nil, err
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, err
	}
	newKey, err := newKD.Derive(newPassword, salt)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	profile := &Profile{Salt: salt, KDF: kdf}

	var rotateErr error
	if err := v.submit(ctx, func() { rotateErr = v.rotate(cur.epoch, newKey, profile) }); err != nil {
		return nil, err
	}
	if rotateErr != nil {
		return nil, rotateErr
	}

	v.logger.Info("vault key rotated",
		slog.String("user_id", cur.userID),
		slog.String("kdf", string(kdf)),
	)
	return profile, nil
}

// verifyKey checks key against the sentinel, or the blob when no sentinel
// was ever written.
func (v *Vault) verifyKey(userID string, key *crypto.Key) error {
	present, err := v.verifySentinel(userID, key)
	if err != nil || present {
		return err
	}
	rec, err := v.repo.Get(userID, KeyBlob)
	if err != nil {
		return fmt.Errorf("reading vault blob: %w", err)
	}
	_, _, err = decryptRoot(key, rec.Value)
	return err
}

// rotate runs on the worker so no persistence task can interleave with the
// credential swap.
func (v *Vault) rotate(epoch uint64, key *crypto.Key, profile *Profile) error {
	snap, ok := v.session.snapshot()
	if !ok || snap.epoch != epoch {
		return ErrLocked
	}
	start := time.Now()

	env, err := crypto.Encrypt(key, snap.payload, crypto.SealOptions{Salt: profile.Salt, KDF: profile.KDF, AAD: AADRoot})
	if err != nil {
		return fmt.Errorf("encrypting rotated blob: %w", err)
	}
	blob, err := env.Marshal()
	if err != nil {
		return err
	}
	sentinel, err := v.sealSentinel(key, profile.Salt, profile.KDF)
	if err != nil {
		return fmt.Errorf("encrypting rotated sentinel: %w", err)
	}
	prof, err := profile.encode()
	if err != nil {
		return err
	}

	target := snap.blobVersion + 1
	err = v.repo.Batch(snap.userID, func(tx storage.BatchTx) error {
		if err := tx.PutCAS(KeyBlob, snap.blobVersion, &storage.Record{Value: blob, Version: target}); err != nil {
			return err
		}
		if err := tx.Put(KeySentinel, &storage.Record{Value: sentinel, Version: 1}); err != nil {
			return err
		}
		return tx.Put(KeyProfile, &storage.Record{Value: prof, Version: 1})
	})
	if errors.Is(err, storage.ErrCASFailed) {
		return v.collision(snap.userID, snap.blobVersion, target, start)
	}
	if err != nil {
		return fmt.Errorf("writing rotated vault: %w", err)
	}

	// A lock that raced the batch leaves storage consistent under the new
	// key; there is simply no session left to update.
	v.session.rotateCredentials(snap, key, profile.Salt, profile.KDF, target)
	v.metrics.ObservePersist("ok", time.Since(start))
	return nil
}
