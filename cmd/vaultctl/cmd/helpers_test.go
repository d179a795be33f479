package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ledgervault/crypto"
	"github.com/jmcleod/ledgervault/internal/config"
	"github.com/jmcleod/ledgervault/storage"
	"github.com/jmcleod/ledgervault/storage/memory"
	"github.com/jmcleod/ledgervault/vault"
)

func TestParseValue(t *testing.T) {
	assert.JSONEq(t, `{"a":1}`, string(parseValue(`{"a":1}`)))
	assert.JSONEq(t, `42`, string(parseValue(`42`)))
	assert.JSONEq(t, `"hello world"`, string(parseValue(`hello world`)))
	assert.JSONEq(t, `"{broken"`, string(parseValue(`{broken`)))
}

func TestIsLoopback(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:7420", true},
		{"localhost:7420", true},
		{"[::1]:7420", true},
		{"0.0.0.0:7420", false},
		{":7420", false},
		{"192.168.1.4:80", false},
		{"no-port", false},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			assert.Equal(t, tt.want, isLoopback(tt.addr))
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(config.Log{Level: "warn", Format: "json"}, &buf)
	l.Info("hidden")
	l.Warn("shown", slog.String("k", "v"))

	out := strings.TrimSpace(buf.String())
	require.NotEmpty(t, out)
	assert.NotContains(t, out, "hidden")
	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &line))
	assert.Equal(t, "shown", line["msg"])

	buf.Reset()
	l = newLogger(config.Log{Level: "bogus", Format: "text"}, &buf)
	l.Debug("debug")
	l.Info("info")
	assert.NotContains(t, buf.String(), "debug")
	assert.Contains(t, buf.String(), "msg=info")
}

func TestReadPasswordFromEnv(t *testing.T) {
	t.Setenv(PasswordEnv, "CorrectPass1!")
	p, err := readPassword("ignored: ")
	require.NoError(t, err)
	assert.Equal(t, "CorrectPass1!", p)

	p, err = readNewPassword("ignored: ")
	require.NoError(t, err)
	assert.Equal(t, "CorrectPass1!", p)
}

func TestOpenRepository(t *testing.T) {
	for _, driver := range []string{config.DriverMemory, config.DriverBbolt, config.DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			c := config.Default()
			c.DataDir = filepath.Join(t.TempDir(), "data")
			c.Storage.Driver = driver

			repo, closeRepo, err := openRepository(context.Background(), c)
			require.NoError(t, err)
			t.Cleanup(func() { _ = closeRepo() })

			require.NoError(t, repo.Put("user-1", "k", &storage.Record{Value: []byte(`1`)}))
			rec, err := repo.Get("user-1", "k")
			require.NoError(t, err)
			assert.Equal(t, []byte(`1`), rec.Value)
		})
	}

	t.Run("unknown", func(t *testing.T) {
		c := config.Default()
		c.Storage.Driver = "tape"
		_, _, err := openRepository(context.Background(), c)
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
	})
}

func TestReadStatus(t *testing.T) {
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg = config.Default()
	cfg.KDF.Argon2 = config.Argon2{Time: 1, MemoryKiB: 19 * 1024, Parallelism: 1}
	repo := memory.NewRepository()

	st, err := readStatus(repo, "user-1")
	require.NoError(t, err)
	assert.Nil(t, st.Profile)
	assert.Zero(t, st.BlobVersion)
	assert.False(t, st.Encrypted)

	require.NoError(t, vault.PutLegacy(repo, "user-1", "moneyProfile", json.RawMessage(`{"income":100}`)))
	_, err = vault.InitProfile(repo, "user-1", crypto.KDFArgon2id)
	require.NoError(t, err)
	userID = "user-1"
	require.NoError(t, sealVault(context.Background(), repo, "CorrectPass1!"))

	st, err = readStatus(repo, "user-1")
	require.NoError(t, err)
	require.NotNil(t, st.Profile)
	assert.Equal(t, crypto.KDFArgon2id, st.Profile.KDF)
	assert.NotZero(t, st.BlobVersion)
	assert.True(t, st.Encrypted)
	require.NotNil(t, st.Migration)
	assert.Contains(t, st.Migration.Fields, "moneyProfile")
}

func TestLegacyValue(t *testing.T) {
	t.Cleanup(func() { legacyFile = "" })

	v, err := legacyValue([]string{"moneyProfile", `{"a":1}`}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(v))

	legacyFile = "-"
	v, err = legacyValue([]string{"moneyProfile"}, strings.NewReader(`[1,2]`))
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2]`, string(v))

	_, err = legacyValue([]string{"moneyProfile", `1`}, nil)
	assert.Error(t, err, "value and --file together")

	legacyFile = ""
	_, err = legacyValue([]string{"moneyProfile"}, nil)
	assert.Error(t, err)
}
