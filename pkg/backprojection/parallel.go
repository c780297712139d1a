package backprojection

import (
	"context"
	"fmt"
	"sync"
)

// SplatFunc back-projects image i into acc
type SplatFunc func(acc *Accumulator, i int) error

// ProgressFunc is called after every finished image with the running count
type ProgressFunc func(done, total int)

// Run back-projects images 0..n-1 with the given number of workers. Each worker
// fills a private accumulator; the replicas are summed once every image is done.
// The first error stops the remaining work and is returned.
func Run(ctx context.Context, d, n, workers int, splat SplatFunc, progress ProgressFunc) (*Accumulator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if workers < 1 {
		workers = 1
	}
	if workers > n && n > 0 {
		workers = n
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan int)
	done := make(chan int)
	replicas := make([]*Accumulator, workers)

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for w := 0; w < workers; w++ {
		replicas[w] = NewAccumulator(d)
		wg.Add(1)

		go func(acc *Accumulator) {
			defer wg.Done()
			for i := range jobs {
				if err := splat(acc, i); err != nil {
					fail(fmt.Errorf("image %d: %w", i, err))
					continue
				}
				select {
				case done <- i:
				case <-ctx.Done():
				}
			}
		}(replicas[w])
	}

	// Feed indices until everything is queued or the run is cancelled.
	go func() {
		defer close(jobs)
		for i := 0; i < n; i++ {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(done)
	}()

	completed := 0
	for range done {
		completed++
		if progress != nil {
			progress(completed, n)
		}
	}

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil && completed < n {
		return nil, err
	}

	total := replicas[0]
	for _, acc := range replicas[1:] {
		if err := total.Merge(acc); err != nil {
			return nil, err
		}
	}
	return total, nil
}
