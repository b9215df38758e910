// Package cache builds and reads the tokenized dataset cache.
//
// The cache is keyed by (source URI, tokenizer fingerprint) and laid out as
// one directory per split: a manifest plus one immutable segment per
// completed shard. Multiple builder processes may work on the same split
// concurrently; a per-shard cooperative lock keeps them off each other's
// shards, and the manifest is the single publish point for completed work.
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/keelml/keel/internal/logger"
	"github.com/keelml/keel/internal/shard"
	"github.com/keelml/keel/internal/tokenizer"
)

// BuilderOptions tune the cache build. The zero value is usable.
type BuilderOptions struct {
	Parallelism  int           // concurrent shard builds, default 4
	FetchRetries int           // attempts per shard, default 5
	FetchBackoff time.Duration // first retry delay, default 1s
	FetchRate    rate.Limit    // fetch starts per second, default 8
	LockReclaim  time.Duration // stale lock takeover age, default 10m
	WaitPoll     time.Duration // poll interval while another builder works
}

func (o BuilderOptions) withDefaults() BuilderOptions {
	if o.Parallelism <= 0 {
		o.Parallelism = 4
	}
	if o.FetchRetries <= 0 {
		o.FetchRetries = 5
	}
	if o.FetchBackoff <= 0 {
		o.FetchBackoff = time.Second
	}
	if o.FetchRate <= 0 {
		o.FetchRate = 8
	}
	if o.LockReclaim <= 0 {
		o.LockReclaim = 10 * time.Minute
	}
	if o.WaitPoll <= 0 {
		o.WaitPoll = 2 * time.Second
	}
	return o
}

// Builder tokenizes raw shards into a split cache.
type Builder struct {
	root string
	tok  tokenizer.Tokenizer
	opts BuilderOptions
	log  logger.Logger

	mu sync.Mutex // serializes manifest updates
}

// NewBuilder creates a builder rooted at dir using the given tokenizer.
func NewBuilder(dir string, tok tokenizer.Tokenizer, opts BuilderOptions, log logger.Logger) *Builder {
	return &Builder{root: dir, tok: tok, opts: opts.withDefaults(), log: log}
}

func splitDir(root, split string) string { return filepath.Join(root, split) }

// Build ensures every shard of the spec is cached, building missing shards
// in parallel. It returns once the split manifest covers all shards, even
// when some of them were built by another process.
func (b *Builder) Build(ctx context.Context, spec shard.Spec) error {
	uris, err := spec.Resolve()
	if err != nil {
		return err
	}
	dir := splitDir(b.root, spec.Split)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	manifest, err := loadManifest(dir, spec.Split, b.tok.Fingerprint())
	if err != nil {
		return err
	}

	fetch := newFetcher(b.opts.FetchRetries, b.opts.FetchBackoff, b.opts.FetchRate)

	// Shards held by another builder are re-attempted every poll interval,
	// not just watched: if the holder dies, its lock goes stale and the next
	// acquireLock attempt reclaims it. Passive manifest polling would wait
	// on a dead process forever.
	for {
		skipped := false
		var skippedMu sync.Mutex

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(b.opts.Parallelism)
		for i, uri := range uris {
			b.mu.Lock()
			done := manifest.has(uri)
			b.mu.Unlock()
			if done {
				continue
			}
			i, uri := i, uri
			g.Go(func() error {
				built, err := b.buildShard(gctx, dir, manifest, fetch, i, uri)
				if err != nil {
					return err
				}
				if !built {
					skippedMu.Lock()
					skipped = true
					skippedMu.Unlock()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if !skipped {
			return nil
		}
		b.log.Debug("shards held by another builder, retrying", "split", spec.Split)
		if err := sleepCtx(ctx, b.opts.WaitPoll); err != nil {
			return err
		}
	}
}

// buildShard tokenizes one shard under its lock. Returns false when the
// shard is currently claimed by another builder.
func (b *Builder) buildShard(ctx context.Context, dir string, manifest *Manifest, fetch *fetcher, index int, uri string) (bool, error) {
	segName := fmt.Sprintf("shard-%05d.seg", index)
	lock, err := acquireLock(filepath.Join(dir, segName+".lock"), b.opts.LockReclaim)
	if errors.Is(err, ErrLocked) {
		b.log.Debug("shard claimed elsewhere", "uri", uri)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock shard %s: %w", uri, err)
	}
	defer func() { _ = lock.Release() }()

	// Re-check under the lock: a previous holder may have finished.
	b.mu.Lock()
	cur, err := loadManifest(dir, manifest.Split, manifest.Tokenizer)
	if err == nil && cur.has(uri) {
		manifest.add(mustEntry(cur, uri))
		b.mu.Unlock()
		return true, nil
	}
	b.mu.Unlock()
	if err != nil {
		return false, err
	}

	records, err := fetch.records(ctx, uri)
	if err != nil {
		return false, err
	}

	docs := make([][]int32, 0, len(records))
	tokens := int64(0)
	for _, rec := range records {
		ids, err := b.tok.Encode(rec)
		if err != nil {
			return false, fmt.Errorf("tokenize %s: %w", uri, err)
		}
		ids = append(ids, b.tok.EOS())
		docs = append(docs, ids)
		tokens += int64(len(ids))
	}

	segPath := filepath.Join(dir, segName)
	if err := writeSegment(segPath, docs); err != nil {
		return false, fmt.Errorf("write segment for %s: %w", uri, err)
	}
	sum, err := fileSHA256(segPath)
	if err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	manifest.add(ShardEntry{
		URI:     uri,
		Segment: segName,
		Docs:    int64(len(docs)),
		Tokens:  tokens,
		Sum:     sum,
	})
	if err := manifest.save(dir); err != nil {
		return false, err
	}
	b.log.Info("cached shard", "uri", uri, "docs", len(docs), "tokens", tokens)
	return true, nil
}

func mustEntry(m *Manifest, uri string) ShardEntry {
	e, _ := m.entry(uri)
	return e
}
