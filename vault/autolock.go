package vault

import (
	"context"
	"time"
)

// StartAutoLock checks for idleness every check interval until ctx is done,
// the returned stop func is called, or the vault is closed.
func (v *Vault) StartAutoLock(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(v.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-v.stop:
				return
			case <-ticker.C:
				v.CheckIdle()
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// CheckIdle locks with LockIdle when the session has been inactive for
// longer than the idle timeout. It reports whether it locked.
func (v *Vault) CheckIdle() bool {
	if !v.IsUnlocked() {
		return false
	}
	last := v.session.LastActiveAt()
	if last.IsZero() || v.now().Sub(last) <= v.idleTimeout {
		return false
	}
	return v.lock(LockIdle)
}
