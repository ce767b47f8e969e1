package parallel

import "math"

// Rect is a half-open sub-range [M0, M1) x [N0, N1) of an output domain.
type Rect struct {
	M0, M1 int
	N0, N1 int
}

func (r Rect) Rows() int { return r.M1 - r.M0 }
func (r Rect) Cols() int { return r.N1 - r.N0 }

// Partition splits an m x n output domain into at most threads disjoint
// rectangles that tile it exactly.
//
// When m dominates (m >= threads*n) only rows are split, when n dominates
// only columns are split. Otherwise a tm x tn grid is used, where tm*tn <=
// threads is chosen greedily to use as many threads as possible with
// sub-tiles as close to square as possible. Any thread count works.
func Partition(m, n, threads int) []Rect {
	if m <= 0 || n <= 0 {
		return nil
	}
	threads = max(threads, 1)
	switch {
	case threads == 1:
		return []Rect{{0, m, 0, n}}
	case m >= threads*n:
		return grid(m, n, min(threads, m), 1)
	case n >= threads*m:
		return grid(m, n, 1, min(threads, n))
	}
	tm, tn := factor(m, n, threads)
	return grid(m, n, tm, tn)
}

// factor picks the grid shape for the 2-D split.
func factor(m, n, threads int) (int, int) {
	bestM, bestN := 1, 1
	bestUsed := 0
	bestSkew := math.Inf(1)
	for tm := 1; tm <= min(threads, m); tm++ {
		tn := min(threads/tm, n)
		if tn < 1 {
			continue
		}
		used := tm * tn
		skew := math.Abs(math.Log((float64(m) / float64(tm)) / (float64(n) / float64(tn))))
		if used > bestUsed || (used == bestUsed && skew < bestSkew) {
			bestM, bestN, bestUsed, bestSkew = tm, tn, used, skew
		}
	}
	return bestM, bestN
}

func grid(m, n, tm, tn int) []Rect {
	rows := Split(m, tm)
	cols := Split(n, tn)
	out := make([]Rect, 0, len(rows)*len(cols))
	for _, r := range rows {
		for _, c := range cols {
			out = append(out, Rect{M0: r[0], M1: r[1], N0: c[0], N1: c[1]})
		}
	}
	return out
}

// Split divides [0, total) into parts contiguous ranges whose sizes differ by
// at most one. Empty ranges are never returned.
func Split(total, parts int) [][2]int {
	if total <= 0 {
		return nil
	}
	parts = max(1, min(parts, total))
	base, rem := total/parts, total%parts
	out := make([][2]int, parts)
	start := 0
	for i := range parts {
		size := base
		if i < rem {
			size++
		}
		out[i] = [2]int{start, start + size}
		start += size
	}
	return out
}
