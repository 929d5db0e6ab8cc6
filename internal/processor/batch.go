package processor

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// EvaluateRows applies operation to every item using at most maxConcurrency
// goroutines. Results keep the order of items.
func EvaluateRows[T, R any](items []T, operation func(T) R, maxConcurrency int) []R {
	if maxConcurrency <= 0 {
		maxConcurrency = runtime.NumCPU()
	}
	results := make([]R, len(items))

	var g errgroup.Group
	g.SetLimit(maxConcurrency)
	for i := range items {
		i := i
		g.Go(func() error {
			results[i] = operation(items[i])
			return nil
		})
	}
	_ = g.Wait()

	return results
}
