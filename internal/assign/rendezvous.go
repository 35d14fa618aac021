package assign

import (
	"github.com/cespare/xxhash/v2"
)

// Rank picks the owner for an account among the candidate workers via
// highest-random-weight (rendezvous) hashing: each account prefers the
// worker maximizing H(worker, account). When the worker set changes,
// only accounts whose top-ranked worker moved get reassigned — no ring
// to maintain, no coordination.
//
// Score ties break on the lexicographically smallest worker id so the
// outcome is deterministic across processes.
func Rank(account string, workers []string) string {
	var (
		best      string
		bestScore uint64
		found     bool
	)
	for _, w := range workers {
		score := score(w, account)
		switch {
		case !found, score > bestScore:
			best, bestScore, found = w, score, true
		case score == bestScore && w < best:
			best = w
		}
	}
	return best
}

func score(worker, account string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(worker)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(account)
	return d.Sum64()
}
