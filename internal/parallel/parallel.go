// Package parallel splits index loops of the reference kernels across
// goroutines.
package parallel

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Config controls how loops are split.
type Config struct {
	Workers  int // concurrent goroutines; 1 or less runs inline
	MinChunk int // smallest number of indexes handed to one goroutine
}

// DefaultConfig uses one worker per CPU.
func DefaultConfig() Config {
	return Config{
		Workers:  runtime.NumCPU(),
		MinChunk: 64,
	}
}

// Sequential runs every loop inline.
func Sequential() Config {
	return Config{Workers: 1}
}

// For calls f(i) for i in [0, n). Indexes are split into contiguous chunks
// of at least MinChunk; loops smaller than two chunks run inline. f must
// only write state owned by index i. A chunk stops at its first error and
// For returns the first error of any chunk.
func For(n int, cfg Config, f func(i int) error) error {
	chunk := max(cfg.MinChunk, 1)
	if cfg.Workers <= 1 || n < 2*chunk {
		for i := range n {
			if err := f(i); err != nil {
				return err
			}
		}
		return nil
	}
	chunk = max((n+cfg.Workers-1)/cfg.Workers, chunk)

	var g errgroup.Group
	g.SetLimit(cfg.Workers)
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := f(i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// ForGrid calls f(row, col) for every cell of a rows x cols grid.
func ForGrid(rows, cols int, cfg Config, f func(row, col int) error) error {
	if cols <= 0 {
		return nil
	}
	return For(rows*cols, cfg, func(k int) error {
		return f(k/cols, k%cols)
	})
}
