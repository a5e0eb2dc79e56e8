// Package prop is a small property-checking harness for allocator tests:
// run a predicate over many generated inputs in parallel and shrink the
// first counterexample.
package prop

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
	"runtime"
	"sync"
	"time"
)

// Generator produces a value of type T from a PRNG.
type Generator[T any] func(r *rand.Rand) T

// Shrinker produces smaller candidates that may still violate the property.
type Shrinker[T any] func(v T) []T

// Options control property checking.
type Options struct {
	Trials          int   // number of trials
	Seed            int64 // random seed; 0 means time.Now().UnixNano()
	Parallelism     int   // number of workers; <=0 means GOMAXPROCS
	MaxShrinkRounds int   // limit for shrinking attempts
}

// Result is the outcome of a property check.
type Result[T any] struct {
	PassedTrials int
	Failed       bool
	Counter      T // first failing input
	Shrunk       T // smallest failing input found
	ShrinkRounds int
	Seed         int64
}

func (o *Options) defaults() {
	if o.Trials <= 0 {
		o.Trials = 200
	}
	if o.Seed == 0 {
		o.Seed = time.Now().UnixNano()
	}
	if o.Parallelism <= 0 {
		o.Parallelism = runtime.GOMAXPROCS(0)
	}
	if o.MaxShrinkRounds <= 0 {
		o.MaxShrinkRounds = 100
	}
}

// Check runs prop over opts.Trials generated inputs. Each trial draws from a
// PRNG seeded from (Seed, trial index), so a reported seed reproduces the
// same inputs regardless of scheduling. The failing trial with the lowest
// index is reported and shrunk.
func Check[T any](gen Generator[T], shrink Shrinker[T], prop func(T) bool, opts Options) Result[T] {
	opts.defaults()

	type failure struct {
		idx   int
		input T
	}
	var (
		mu     sync.Mutex
		first  *failure
		passed int
		wg     sync.WaitGroup
	)
	next := make(chan int)
	for w := 0; w < opts.Parallelism; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range next {
				in := gen(rand.New(rand.NewSource(deriveSeed(opts.Seed, idx))))
				ok := prop(in)
				mu.Lock()
				if ok {
					passed++
				} else if first == nil || idx < first.idx {
					first = &failure{idx: idx, input: in}
				}
				mu.Unlock()
			}
		}()
	}
	for i := 0; i < opts.Trials; i++ {
		next <- i
	}
	close(next)
	wg.Wait()

	res := Result[T]{PassedTrials: passed, Seed: opts.Seed}
	if first == nil {
		return res
	}
	res.Failed = true
	res.Counter = first.input
	res.Shrunk = first.input
	if shrink == nil {
		return res
	}
	for res.ShrinkRounds < opts.MaxShrinkRounds {
		progressed := false
		for _, c := range shrink(res.Shrunk) {
			if !prop(c) {
				res.Shrunk = c
				progressed = true
				break
			}
		}
		if !progressed {
			break
		}
		res.ShrinkRounds++
	}
	return res
}

// deriveSeed mixes the base seed with a trial index via SHA-256.
func deriveSeed(base int64, idx int) int64 {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], uint64(base))
	binary.LittleEndian.PutUint64(b[8:16], uint64(idx))
	h := sha256.Sum256(b[:])
	return int64(binary.LittleEndian.Uint64(h[0:8]))
}
