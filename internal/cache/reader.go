package cache

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
)

// ErrIncomplete reports a cache that does not yet cover every shard of the
// requested spec. Callers run the Builder first.
var ErrIncomplete = errors.New("cache incomplete for split")

// Reader provides random access to a fully built split cache. Documents and
// tokens are addressed in manifest order (sorted by shard URI), which is
// stable across builds and independent of build concurrency.
type Reader struct {
	manifest *Manifest
	segs     []*segment
	cumTok   []int64 // cumulative token counts, len(segs)+1
	cumDoc   []int64
}

// Open opens the split cache and verifies it covers uris with the given
// tokenizer fingerprint.
func Open(root, split, tokenizerFP string, uris []string) (*Reader, error) {
	dir := splitDir(root, split)
	m, err := loadManifest(dir, split, tokenizerFP)
	if err != nil {
		return nil, err
	}
	if !m.complete(uris) {
		return nil, fmt.Errorf("%w %q", ErrIncomplete, split)
	}

	// Restrict to the requested shards; the cache dir may hold more.
	want := make(map[string]bool, len(uris))
	for _, u := range uris {
		want[u] = true
	}
	entries := make([]ShardEntry, 0, len(uris))
	for _, e := range m.Shards {
		if want[e.URI] {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].URI < entries[j].URI })

	r := &Reader{
		manifest: &Manifest{
			Version:   m.Version,
			Split:     m.Split,
			Tokenizer: m.Tokenizer,
			Shards:    entries,
		},
		cumTok: make([]int64, 1, len(entries)+1),
		cumDoc: make([]int64, 1, len(entries)+1),
	}
	for _, e := range entries {
		seg, err := openSegment(filepath.Join(dir, e.Segment))
		if err != nil {
			r.Close()
			return nil, err
		}
		if int64(seg.tokens) != e.Tokens || int64(seg.numDocs()) != e.Docs {
			_ = seg.close()
			r.Close()
			return nil, fmt.Errorf("%w: segment %s disagrees with manifest", errSegmentFormat, e.Segment)
		}
		r.segs = append(r.segs, seg)
		r.cumTok = append(r.cumTok, r.cumTok[len(r.cumTok)-1]+e.Tokens)
		r.cumDoc = append(r.cumDoc, r.cumDoc[len(r.cumDoc)-1]+e.Docs)
	}
	return r, nil
}

// Close releases all open segments.
func (r *Reader) Close() {
	for _, s := range r.segs {
		_ = s.close()
	}
	r.segs = nil
}

// TotalTokens is the token count across all shards.
func (r *Reader) TotalTokens() int64 { return r.cumTok[len(r.cumTok)-1] }

// NumDocs is the document count across all shards.
func (r *Reader) NumDocs() int64 { return r.cumDoc[len(r.cumDoc)-1] }

// Fingerprint identifies the dataset content for seed derivation.
func (r *Reader) Fingerprint() string { return r.manifest.Fingerprint() }

// Doc reads global document i.
func (r *Reader) Doc(i int64) ([]int32, error) {
	if i < 0 || i >= r.NumDocs() {
		return nil, fmt.Errorf("doc %d out of range [0,%d)", i, r.NumDocs())
	}
	s := sort.Search(len(r.cumDoc)-1, func(k int) bool { return r.cumDoc[k+1] > i })
	return r.segs[s].doc(int(i - r.cumDoc[s]))
}

// ReadTokens reads n tokens of the concatenated stream starting at start,
// crossing segment boundaries as needed.
func (r *Reader) ReadTokens(start, n int64) ([]int32, error) {
	if start < 0 || n < 0 || start+n > r.TotalTokens() {
		return nil, fmt.Errorf("token range [%d,%d) out of range [0,%d)", start, start+n, r.TotalTokens())
	}
	out := make([]int32, 0, n)
	for n > 0 {
		s := sort.Search(len(r.cumTok)-1, func(k int) bool { return r.cumTok[k+1] > start })
		local := start - r.cumTok[s]
		avail := r.cumTok[s+1] - start
		take := n
		if take > avail {
			take = avail
		}
		chunk, err := r.segs[s].readTokens(uint64(local), uint64(take))
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		start += take
		n -= take
	}
	return out, nil
}
