package sampler

import "context"

type fetched struct {
	step  int64
	batch []Example
	err   error
}

// Prefetcher pulls upcoming batches ahead of the training step that will
// consume them. Ordering is a property of step indices, not of goroutine
// timing: the channel carries batches strictly in step order.
type Prefetcher struct {
	ch     chan fetched
	cancel context.CancelFunc
}

// NewPrefetcher starts prefetching batches beginning at startStep. depth
// bounds how far ahead of the consumer it runs.
func NewPrefetcher(ctx context.Context, s *Sampler, startStep int64, batchSize, depth int) *Prefetcher {
	if depth <= 0 {
		depth = 2
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Prefetcher{ch: make(chan fetched, depth), cancel: cancel}
	go func() {
		defer close(p.ch)
		for step := startStep; ; step++ {
			batch, err := s.Batch(step, batchSize)
			select {
			case p.ch <- fetched{step: step, batch: batch, err: err}:
				if err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return p
}

// Next blocks for the next batch in step order.
func (p *Prefetcher) Next() ([]Example, error) {
	f, ok := <-p.ch
	if !ok {
		return nil, context.Canceled
	}
	return f.batch, f.err
}

// Stop cancels prefetching and drains the pipeline.
func (p *Prefetcher) Stop() {
	p.cancel()
	for range p.ch {
	}
}
