package cache

import (
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
)

func newTestManager(t *testing.T, enableL2, enableL3 bool) *Manager {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.TTLCleanupInterval = time.Hour // tests drive sweeping manually
	if enableL2 {
		cfg.EnableL2 = true
		cfg.L2Dir = filepath.Join(dir, "l2")
		cfg.L2Shards = 2
		cfg.L2CapacityPerShard = 10
	}
	if enableL3 {
		cfg.EnableL3 = true
		cfg.L3DSN = filepath.Join(dir, "l3.db")
	}
	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestManager_PutGetL1Only(t *testing.T) {
	m := newTestManager(t, false, false)
	e := &Entry{Key: "k1", URL: "http://10.0.0.1:8080"}
	require.NoError(t, m.Put(e))

	got, ok := m.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "http://10.0.0.1:8080", got.URL)
}

func TestManager_MissReturnsAbsent(t *testing.T) {
	m := newTestManager(t, false, false)
	_, ok := m.Get("nope")
	assert.False(t, ok)
}

func TestManager_ExpiredEntryTreatedAsAbsent(t *testing.T) {
	m := newTestManager(t, false, false)
	e := &Entry{Key: "k1", URL: "http://10.0.0.1:8080", ExpiresAt: time.Now().Add(-time.Minute)}
	require.NoError(t, m.Put(e))

	_, ok := m.Get("k1")
	assert.False(t, ok)
}

func TestManager_L2RoundTripWithCredentials(t *testing.T) {
	m := newTestManager(t, true, false)
	e := &Entry{Key: "k1", URL: "http://10.0.0.1:8080", Username: "u", Password: "p"}
	require.NoError(t, m.Put(e))

	// Evict from L1 directly and confirm the read cascades to L2 and
	// promotes the entry back up with credentials intact.
	m.l1.remove("k1")
	got, ok := m.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "u", got.Username)
	assert.Equal(t, "p", got.Password)

	_, ok = m.l1.get("k1")
	assert.True(t, ok, "L2 hit should promote the entry back into L1")
}

func TestManager_L3RoundTrip(t *testing.T) {
	m := newTestManager(t, false, true)
	e := &Entry{Key: "k1", URL: "http://10.0.0.1:8080", Username: "u", Password: "p"}
	require.NoError(t, m.Put(e))

	m.l1.remove("k1")
	got, ok := m.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "u", got.Username)
}

func TestManager_InvalidateRemovesFromAllTiers(t *testing.T) {
	m := newTestManager(t, true, true)
	e := &Entry{Key: "k1", URL: "http://10.0.0.1:8080"}
	require.NoError(t, m.Put(e))

	m.Invalidate("k1")
	_, ok := m.Get("k1")
	assert.False(t, ok)
}

func TestManager_ClearEmptiesAllTiers(t *testing.T) {
	m := newTestManager(t, true, true)
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Put(&Entry{Key: "k" + string(rune('0'+i)), URL: "http://x"}))
	}
	require.NoError(t, m.Clear())
	stats := m.Statistics()
	assert.Equal(t, 0, stats.Size[TierL1])
	assert.Equal(t, 0, stats.Size[TierL2])
	assert.Equal(t, 0, stats.Size[TierL3])
}

func TestManager_L1EvictsOverCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.L1Capacity = 2
	cfg.TTLCleanupInterval = time.Hour
	m, err := New(cfg)
	require.NoError(t, err)
	defer m.Close()

	m.Put(&Entry{Key: "a", URL: "http://a"})
	m.Put(&Entry{Key: "b", URL: "http://b"})
	m.Put(&Entry{Key: "c", URL: "http://c"})

	assert.Equal(t, 2, m.l1.len())
}

func TestManager_StatisticsTrackHitsAndMisses(t *testing.T) {
	m := newTestManager(t, false, false)
	m.Put(&Entry{Key: "k1", URL: "http://x"})
	m.Get("k1")
	m.Get("nope")

	stats := m.Statistics()
	assert.Equal(t, int64(1), stats.Hits[TierL1])
	assert.Equal(t, int64(1), stats.Misses[TierL1])
}

func TestManager_SweepEvictsExpiredL1Entries(t *testing.T) {
	m := newTestManager(t, false, false)
	m.Put(&Entry{Key: "k1", URL: "http://x", ExpiresAt: time.Now().Add(-time.Second)})
	m.sweepOnce()
	assert.Equal(t, 0, m.l1.len())
}

func TestManager_WarmFromFile_LineDelimited(t *testing.T) {
	m := newTestManager(t, false, false)
	path := filepath.Join(t.TempDir(), "warm.jsonl")
	content := `{"key":"k1","url":"http://a","source":"seed"}
{"key":"k2","url":"http://b","source":"seed"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	n, err := m.WarmFromFile(path, FormatLines, time.Hour, DuplicateSkip)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	e, ok := m.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "http://a", e.URL)
}

func TestManager_WarmFromFile_JSONArray(t *testing.T) {
	m := newTestManager(t, false, false)
	path := filepath.Join(t.TempDir(), "warm.json")
	content := `[{"key":"k1","url":"http://a"},{"key":"k2","url":"http://b"}]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	n, err := m.WarmFromFile(path, FormatJSON, time.Hour, DuplicateSkip)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestManager_WarmFromFile_CSV(t *testing.T) {
	m := newTestManager(t, false, false)
	path := filepath.Join(t.TempDir(), "warm.csv")
	content := "key,url,username,password,tags,country,region,cost_per_request,source\nk1,http://a,,,,US,,0,seed\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	n, err := m.WarmFromFile(path, FormatCSV, time.Hour, DuplicateSkip)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, ok := m.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "US", e.Country)
}

func TestManager_WarmFromFile_DuplicateSkipVsReplace(t *testing.T) {
	m := newTestManager(t, false, false)
	require.NoError(t, m.Put(&Entry{Key: "k1", URL: "http://original", Source: "orig"}))

	path := filepath.Join(t.TempDir(), "warm.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"key":"k1","url":"http://replacement","source":"new"}`+"\n"), 0o600))

	n, err := m.WarmFromFile(path, FormatLines, time.Hour, DuplicateSkip)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	e, _ := m.Get("k1")
	assert.Equal(t, "http://original", e.URL)

	n, err = m.WarmFromFile(path, FormatLines, time.Hour, DuplicateReplace)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	e, _ = m.Get("k1")
	assert.Equal(t, "http://replacement", e.URL)
}

func TestManager_ExportToFile_RoundTripsWithWarm(t *testing.T) {
	m := newTestManager(t, false, false)
	require.NoError(t, m.Put(&Entry{Key: "k1", URL: "http://a", Source: "seed"}))
	require.NoError(t, m.Put(&Entry{Key: "k2", URL: "http://b", Source: "seed"}))

	path := filepath.Join(t.TempDir(), "export.jsonl")
	n, err := m.ExportToFile(path, FormatLines)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	m2 := newTestManager(t, false, false)
	n2, err := m2.WarmFromFile(path, FormatLines, time.Hour, DuplicateSkip)
	require.NoError(t, err)
	assert.Equal(t, 2, n2)
}

func TestSealer_SealOpenRoundTrip(t *testing.T) {
	s, err := NewSealerFromEnv()
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("hello"))
	require.NoError(t, err)
	plaintext, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plaintext))
}

func TestSealer_OpensWithPreviousKeyAfterRotation(t *testing.T) {
	key := make([]byte, chacha20poly1305.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	encodedOld := base64.StdEncoding.EncodeToString(key)

	t.Setenv(EnvSealKeyVar, encodedOld)
	t.Setenv(EnvSealKeyPreviousVar, "")
	oldSealer, err := NewSealerFromEnv()
	require.NoError(t, err)
	sealed, err := oldSealer.Seal([]byte("secret"))
	require.NoError(t, err)

	newKey := make([]byte, chacha20poly1305.KeySize)
	_, err = rand.Read(newKey)
	require.NoError(t, err)
	t.Setenv(EnvSealKeyVar, base64.StdEncoding.EncodeToString(newKey))
	t.Setenv(EnvSealKeyPreviousVar, encodedOld)
	rotatedSealer, err := NewSealerFromEnv()
	require.NoError(t, err)

	plaintext, err := rotatedSealer.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "secret", string(plaintext))
}

func TestL2Tier_SurvivesReload(t *testing.T) {
	dir := t.TempDir()
	sealer, err := NewSealerFromEnv()
	require.NoError(t, err)

	t1, err := openL2Tier(dir, 2, 100, sealer)
	require.NoError(t, err)
	require.NoError(t, t1.put(&Entry{Key: "k1", URL: "http://a", Username: "u", Password: "p"}))
	require.NoError(t, t1.close())

	t2, err := openL2Tier(dir, 2, 100, sealer)
	require.NoError(t, err)
	defer t2.close()

	e, ok := t2.get("k1")
	require.True(t, ok)
	assert.Equal(t, "u", e.Username)
	assert.Equal(t, "p", e.Password)
}
