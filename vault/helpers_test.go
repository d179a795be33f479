package vault

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ledgervault/crypto"
	"github.com/jmcleod/ledgervault/storage"
	"github.com/jmcleod/ledgervault/storage/memory"
)

const testUser = "user-1"

// testKDF is Argon2id at the minimum accepted cost, to keep tests fast.
func testKDF() crypto.KeyDerivation {
	return &crypto.Argon2id{Params: crypto.Argon2idParams{Time: 1, MemoryKiB: 19 * 1024, Parallelism: 1, KeyLen: 32}}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// hookRepo lets tests intercept blob writes.
type hookRepo struct {
	storage.Repository

	mu         sync.Mutex
	onPutCAS   func(key string) error
	blobWrites int
}

func newHookRepo() *hookRepo {
	return &hookRepo{Repository: memory.NewRepository()}
}

func (r *hookRepo) setHook(fn func(key string) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPutCAS = fn
}

func (r *hookRepo) BlobWrites() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blobWrites
}

func (r *hookRepo) PutCAS(namespace, key string, expected uint64, rec *storage.Record) error {
	r.mu.Lock()
	hook := r.onPutCAS
	if key == KeyBlob {
		r.blobWrites++
	}
	r.mu.Unlock()
	if hook != nil {
		if err := hook(key); err != nil {
			return err
		}
	}
	return r.Repository.PutCAS(namespace, key, expected, rec)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestVault(t *testing.T, repo storage.Repository, opts ...Option) (*Vault, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	base := []Option{
		WithKeyDerivation(testKDF()),
		WithClock(clock.Now),
		WithLogger(discardLogger()),
	}
	v := New(repo, append(base, opts...)...)
	t.Cleanup(func() { _ = v.Close() })
	return v, clock
}

func newTestSalt(t *testing.T) []byte {
	t.Helper()
	salt, err := crypto.NewSalt()
	require.NoError(t, err)
	return salt
}

// recorder collects events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(v *Vault) *recorder {
	r := &recorder{}
	v.Subscribe(func(e Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
	})
	return r
}

func (r *recorder) ofType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// readBlob decrypts the stored root blob outside the vault.
func readBlob(t *testing.T, repo storage.Repository, password string, salt []byte) (map[string]json.RawMessage, map[string]FieldMeta, uint64) {
	t.Helper()
	key, err := testKDF().Derive(password, salt)
	require.NoError(t, err)
	rec, err := repo.Get(testUser, KeyBlob)
	require.NoError(t, err)
	fields, meta, err := decryptRoot(key, rec.Value)
	require.NoError(t, err)
	return fields, meta, rec.Version
}

func putLegacy(t *testing.T, repo storage.Repository, key, value string) {
	t.Helper()
	require.NoError(t, PutLegacy(repo, testUser, key, json.RawMessage(value)))
}

// gatedKDF blocks Derive until release is closed.
type gatedKDF struct {
	crypto.KeyDerivation
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedKDF() *gatedKDF {
	return &gatedKDF{KeyDerivation: testKDF(), entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedKDF) Derive(password string, salt []byte) (*crypto.Key, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.KeyDerivation.Derive(password, salt)
}
