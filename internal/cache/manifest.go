package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-json"
)

const manifestVersion = 1

// Manifest records which shards of a split are fully tokenized. A shard is
// cached if and only if it has a manifest entry; a crash between segment
// write and manifest publish leaves no entry, and the shard is rebuilt from
// scratch.
type Manifest struct {
	Version     int          `json:"version"`
	Split       string       `json:"split"`
	Tokenizer   string       `json:"tokenizer"` // tokenizer fingerprint
	Shards      []ShardEntry `json:"shards"`
	byURI       map[string]int
}

// ShardEntry describes one completed shard segment.
type ShardEntry struct {
	URI     string `json:"uri"`
	Segment string `json:"segment"` // file name relative to the split dir
	Docs    int64  `json:"docs"`
	Tokens  int64  `json:"tokens"`
	Sum     string `json:"sum"` // sha256 of the segment file
}

func newManifest(split, tokenizerFP string) *Manifest {
	return &Manifest{
		Version:   manifestVersion,
		Split:     split,
		Tokenizer: tokenizerFP,
		byURI:     make(map[string]int),
	}
}

func manifestPath(splitDir string) string {
	return filepath.Join(splitDir, "manifest.json")
}

// loadManifest reads the split manifest, returning an empty manifest when
// none exists yet. A manifest built with a different tokenizer fingerprint
// is treated as absent: the tokenizer is part of the cache identity.
func loadManifest(splitDir, split, tokenizerFP string) (*Manifest, error) {
	data, err := os.ReadFile(manifestPath(splitDir))
	if errors.Is(err, os.ErrNotExist) {
		return newManifest(split, tokenizerFP), nil
	}
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("cache manifest %s: %w", manifestPath(splitDir), err)
	}
	if m.Version != manifestVersion || m.Tokenizer != tokenizerFP {
		return newManifest(split, tokenizerFP), nil
	}
	m.byURI = make(map[string]int, len(m.Shards))
	for i, e := range m.Shards {
		m.byURI[e.URI] = i
	}
	return &m, nil
}

// save publishes the manifest atomically.
func (m *Manifest) save(splitDir string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := manifestPath(splitDir) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, manifestPath(splitDir))
}

func (m *Manifest) has(uri string) bool {
	_, ok := m.byURI[uri]
	return ok
}

func (m *Manifest) entry(uri string) (ShardEntry, bool) {
	i, ok := m.byURI[uri]
	if !ok {
		return ShardEntry{}, false
	}
	return m.Shards[i], true
}

// add records a completed shard, keeping entries sorted by URI so the
// manifest bytes are independent of build order.
func (m *Manifest) add(e ShardEntry) {
	if i, ok := m.byURI[e.URI]; ok {
		m.Shards[i] = e
		return
	}
	m.Shards = append(m.Shards, e)
	sort.Slice(m.Shards, func(i, j int) bool { return m.Shards[i].URI < m.Shards[j].URI })
	m.byURI = make(map[string]int, len(m.Shards))
	for i, s := range m.Shards {
		m.byURI[s.URI] = i
	}
}

// complete reports whether every URI in uris has an entry.
func (m *Manifest) complete(uris []string) bool {
	for _, u := range uris {
		if !m.has(u) {
			return false
		}
	}
	return true
}

// Fingerprint identifies the dataset a sampler draws from: the split, the
// tokenizer, and the exact shard contents. Used as part of the sampling
// seed derivation so a cache rebuild with identical content does not
// perturb example order.
func (m *Manifest) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "v%d|%s|%s", m.Version, m.Split, m.Tokenizer)
	for _, e := range m.Shards {
		fmt.Fprintf(h, "|%s:%s:%d:%d", e.URI, e.Sum, e.Docs, e.Tokens)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func fileSHA256(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
