package prop

import "math/rand"

// GenWords returns sizes in [lo, hi] words.
func GenWords(lo, hi uintptr) Generator[uintptr] {
	if hi < lo {
		lo, hi = hi, lo
	}
	return func(r *rand.Rand) uintptr {
		return lo + uintptr(r.Int63n(int64(hi-lo)+1))
	}
}

// GenBool returns a boolean generator.
func GenBool() Generator[bool] {
	return func(r *rand.Rand) bool { return r.Intn(2) == 0 }
}

// GenSlice returns slices of up to maxLen elements.
func GenSlice[T any](elem Generator[T], maxLen int) Generator[[]T] {
	return func(r *rand.Rand) []T {
		out := make([]T, r.Intn(maxLen+1))
		for i := range out {
			out[i] = elem(r)
		}
		return out
	}
}

// Pair holds two generated values.
type Pair[A, B any] struct {
	A A
	B B
}

// GenPair combines two generators.
func GenPair[A, B any](ga Generator[A], gb Generator[B]) Generator[Pair[A, B]] {
	return func(r *rand.Rand) Pair[A, B] { return Pair[A, B]{ga(r), gb(r)} }
}

// ShrinkWords moves a size toward lo.
func ShrinkWords(lo uintptr) Shrinker[uintptr] {
	return func(v uintptr) []uintptr {
		if v <= lo {
			return nil
		}
		out := []uintptr{lo}
		if mid := lo + (v-lo)/2; mid != lo {
			out = append(out, mid)
		}
		return append(out, v-1)
	}
}

// ShrinkSlice drops elements from the front half and the back half.
func ShrinkSlice[T any]() Shrinker[[]T] {
	return func(v []T) [][]T {
		if len(v) == 0 {
			return nil
		}
		half := len(v) / 2
		return [][]T{v[:half], v[half:], v[1:], v[:len(v)-1]}
	}
}
