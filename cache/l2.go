package cache

import (
	"bufio"
	"container/list"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	defaultL2Shards   = 4
	defaultL2Capacity = 5000
)

// l2Record is one line of a shard's append-mostly JSON-lines file.
// Credentials are sealed (AEAD, base64) before they ever reach disk.
type l2Record struct {
	Key                 string    `json:"key"`
	URL                 string    `json:"url"`
	SealedCredentials   string    `json:"sealed_credentials,omitempty"`
	Tags                []string  `json:"tags,omitempty"`
	Country             string    `json:"country,omitempty"`
	Region              string    `json:"region,omitempty"`
	CostPerRequest      float64   `json:"cost_per_request"`
	Source              string    `json:"source,omitempty"`
	HealthStatus        string    `json:"health_status,omitempty"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	FetchedAt           time.Time `json:"fetched_at"`
	LastAccessedAt      time.Time `json:"last_accessed_at"`
	AccessCount         int64     `json:"access_count"`
	ExpiresAt           time.Time `json:"expires_at"`
	Tombstone           bool      `json:"tombstone,omitempty"`
}

func (s *Sealer) sealRecord(e *Entry, r *l2Record) error {
	if e.Username == "" && e.Password == "" {
		return nil
	}
	plaintext := []byte(e.Username + "\x00" + e.Password)
	sealed, err := s.Seal(plaintext)
	if err != nil {
		return err
	}
	r.SealedCredentials = base64.StdEncoding.EncodeToString(sealed)
	return nil
}

func (s *Sealer) openRecordCreds(r *l2Record) (username, password string, err error) {
	if r.SealedCredentials == "" {
		return "", "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(r.SealedCredentials)
	if err != nil {
		return "", "", fmt.Errorf("cache: decode sealed credentials: %w", err)
	}
	plaintext, err := s.Open(raw)
	if err != nil {
		return "", "", err
	}
	for i, b := range plaintext {
		if b == 0 {
			return string(plaintext[:i]), string(plaintext[i+1:]), nil
		}
	}
	return string(plaintext), "", nil
}

func recordFromEntry(e *Entry, sealer *Sealer) (l2Record, error) {
	r := l2Record{
		Key: e.Key, URL: e.URL, Tags: e.Tags, Country: e.Country, Region: e.Region,
		CostPerRequest: e.CostPerRequest, Source: e.Source, HealthStatus: e.HealthStatus,
		ConsecutiveFailures: e.ConsecutiveFailures, FetchedAt: e.FetchedAt,
		LastAccessedAt: e.LastAccessedAt, AccessCount: e.AccessCount, ExpiresAt: e.ExpiresAt,
	}
	if sealer != nil {
		if err := sealer.sealRecord(e, &r); err != nil {
			return r, err
		}
	}
	return r, nil
}

func entryFromRecord(r l2Record, sealer *Sealer) (*Entry, error) {
	e := &Entry{
		Key: r.Key, URL: r.URL, Tags: r.Tags, Country: r.Country, Region: r.Region,
		CostPerRequest: r.CostPerRequest, Source: r.Source, HealthStatus: r.HealthStatus,
		ConsecutiveFailures: r.ConsecutiveFailures, FetchedAt: r.FetchedAt,
		LastAccessedAt: r.LastAccessedAt, AccessCount: r.AccessCount, ExpiresAt: r.ExpiresAt,
	}
	if sealer != nil && r.SealedCredentials != "" {
		u, p, err := sealer.openRecordCreds(&r)
		if err != nil {
			return nil, err
		}
		e.Username, e.Password = u, p
	}
	return e, nil
}

// l2shard is one of the L2 tier's hash-sharded partitions: its own
// mutex, its own append-mostly file, and an in-memory LRU index used as
// the source of truth for reads (the file is the durable log, replayed
// on startup).
type l2shard struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	capacity int
	sealer   *Sealer

	entries map[string]*Entry
	elemOf  map[string]*list.Element
	lru     *list.List // front = most recently used
}

func openL2Shard(path string, capacity int, sealer *Sealer) (*l2shard, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("cache: create L2 shard directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("cache: open L2 shard file %s: %w", path, err)
	}
	sh := &l2shard{
		path: path, file: f, capacity: capacity, sealer: sealer,
		entries: make(map[string]*Entry), elemOf: make(map[string]*list.Element), lru: list.New(),
	}
	if err := sh.load(); err != nil {
		f.Close()
		return nil, err
	}
	return sh, nil
}

// load replays the shard's JSON-lines file: later lines override earlier
// ones by key, and a tombstone line removes the key.
func (sh *l2shard) load() error {
	if _, err := sh.file.Seek(0, 0); err != nil {
		return fmt.Errorf("cache: seek L2 shard file: %w", err)
	}
	scanner := bufio.NewScanner(sh.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r l2Record
		if err := json.Unmarshal(line, &r); err != nil {
			continue // skip corrupt/partial trailing line
		}
		if r.Tombstone {
			sh.removeLocked(r.Key)
			continue
		}
		e, err := entryFromRecord(r, sh.sealer)
		if err != nil {
			continue
		}
		sh.insertLocked(e)
	}
	return scanner.Err()
}

func (sh *l2shard) insertLocked(e *Entry) {
	if elem, ok := sh.elemOf[e.Key]; ok {
		sh.entries[e.Key] = e
		sh.lru.MoveToFront(elem)
		return
	}
	elem := sh.lru.PushFront(e.Key)
	sh.entries[e.Key] = e
	sh.elemOf[e.Key] = elem
}

func (sh *l2shard) removeLocked(key string) {
	if elem, ok := sh.elemOf[key]; ok {
		sh.lru.Remove(elem)
		delete(sh.elemOf, key)
	}
	delete(sh.entries, key)
}

func (sh *l2shard) appendRecord(r l2Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("cache: marshal L2 record: %w", err)
	}
	if _, err := sh.file.Seek(0, 2); err != nil {
		return fmt.Errorf("cache: seek to L2 shard end: %w", err)
	}
	if _, err := sh.file.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("cache: write L2 record: %w", err)
	}
	return sh.file.Sync()
}

func (sh *l2shard) get(key string) (*Entry, bool) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	if !ok {
		return nil, false
	}
	sh.lru.MoveToFront(sh.elemOf[key])
	return e.clone(), true
}

func (sh *l2shard) put(e *Entry) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	r, err := recordFromEntry(e, sh.sealer)
	if err != nil {
		return err
	}
	if err := sh.appendRecord(r); err != nil {
		return err
	}
	sh.insertLocked(e.clone())

	for len(sh.entries) > sh.capacity {
		back := sh.lru.Back()
		if back == nil {
			break
		}
		key := back.Value.(string)
		sh.removeLocked(key)
		_ = sh.appendRecord(l2Record{Key: key, Tombstone: true})
	}
	return nil
}

func (sh *l2shard) remove(key string) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.removeLocked(key)
	return sh.appendRecord(l2Record{Key: key, Tombstone: true})
}

func (sh *l2shard) clear() error {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.entries = make(map[string]*Entry)
	sh.elemOf = make(map[string]*list.Element)
	sh.lru = list.New()
	if err := sh.file.Truncate(0); err != nil {
		return fmt.Errorf("cache: truncate L2 shard: %w", err)
	}
	_, err := sh.file.Seek(0, 0)
	return err
}

func (sh *l2shard) len() int {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return len(sh.entries)
}

func (sh *l2shard) close() error {
	return sh.file.Close()
}

// l2Tier is the sharded on-disk tier (§4.6): 4 shards by default, each an
// independent mutex + file so concurrent keys in different shards never
// contend.
type l2Tier struct {
	shards []*l2shard
}

func openL2Tier(baseDir string, numShards, capacityPerShard int, sealer *Sealer) (*l2Tier, error) {
	if numShards <= 0 {
		numShards = defaultL2Shards
	}
	if capacityPerShard <= 0 {
		capacityPerShard = defaultL2Capacity / numShards
	}
	t := &l2Tier{shards: make([]*l2shard, numShards)}
	for i := 0; i < numShards; i++ {
		sh, err := openL2Shard(filepath.Join(baseDir, fmt.Sprintf("shard-%d.jsonl", i)), capacityPerShard, sealer)
		if err != nil {
			return nil, err
		}
		t.shards[i] = sh
	}
	return t, nil
}

func (t *l2Tier) shardFor(key string) *l2shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return t.shards[h.Sum32()%uint32(len(t.shards))]
}

func (t *l2Tier) get(key string) (*Entry, bool) { return t.shardFor(key).get(key) }
func (t *l2Tier) put(e *Entry) error             { return t.shardFor(e.Key).put(e) }
func (t *l2Tier) remove(key string) error        { return t.shardFor(key).remove(key) }

func (t *l2Tier) clear() error {
	for _, sh := range t.shards {
		if err := sh.clear(); err != nil {
			return err
		}
	}
	return nil
}

func (t *l2Tier) len() int {
	total := 0
	for _, sh := range t.shards {
		total += sh.len()
	}
	return total
}

func (t *l2Tier) close() error {
	var firstErr error
	for _, sh := range t.shards {
		if err := sh.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
