package selector

import (
	"errors"
	"sync"
)

// Candidate is one eligible strategy instance offered to the balancer.
type Candidate struct {
	StrategyID string
	Version    string
	// Performance is the recent performance score, 0.0 (worst) to 1.0.
	Performance float64
	// Affinity is how well the strategy matches the request's task, 0.0
	// to 1.0. Callers that do not track affinity pass a constant.
	Affinity float64
}

// view is a candidate enriched with live selector state.
type view struct {
	Candidate
	// Load is open connections normalized against the busiest candidate.
	Load      float64
	OpenConns int64
}

// Balancer picks one candidate index from the eligible set. The set is
// never empty.
type Balancer interface {
	Name() string
	Pick(eligible []view) int
}

// ScoringStrategy computes the adaptive balancer's composite score.
// Advanced optimizers can replace the default weighted sum.
type ScoringStrategy interface {
	Score(v view) float64
}

// WeightedSumScorer is the default composite:
// 0.4·performance + 0.4·affinity + 0.2·(1 − load).
type WeightedSumScorer struct{}

func (WeightedSumScorer) Score(v view) float64 {
	return 0.4*v.Performance + 0.4*v.Affinity + 0.2*(1-v.Load)
}

// NewBalancer constructs the configured algorithm.
func NewBalancer(algorithm string) (Balancer, error) {
	switch algorithm {
	case "weighted_round_robin":
		return newWeightedRoundRobin(), nil
	case "least_connections":
		return &leastConnections{}, nil
	case "adaptive":
		return &adaptive{scorer: WeightedSumScorer{}}, nil
	default:
		return nil, errors.New("unknown balancer algorithm: " + algorithm)
	}
}

// weightedRoundRobin cycles through a virtually-expanded weighted list.
// Weights derive from each candidate's performance score and are
// recomputed when the eligible set or its scores change.
type weightedRoundRobin struct {
	mu       sync.Mutex
	expanded []string // strategy ids, one slot per weight unit
	cursor   int
	sig      string // signature of the set the expansion was built from
}

func newWeightedRoundRobin() *weightedRoundRobin {
	return &weightedRoundRobin{}
}

func (w *weightedRoundRobin) Name() string { return "weighted_round_robin" }

const wrrGranularity = 10

func (w *weightedRoundRobin) Pick(eligible []view) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	sig := signature(eligible)
	if sig != w.sig {
		w.rebuild(eligible, sig)
	}

	id := w.expanded[w.cursor%len(w.expanded)]
	w.cursor++
	for i, v := range eligible {
		if v.StrategyID == id {
			return i
		}
	}
	return 0
}

// rebuild expands each candidate into performance-proportional slots.
// Every candidate gets at least one slot so a bad score degrades, never
// starves.
func (w *weightedRoundRobin) rebuild(eligible []view, sig string) {
	w.expanded = w.expanded[:0]
	for _, v := range eligible {
		slots := int(v.Performance * wrrGranularity)
		if slots < 1 {
			slots = 1
		}
		for i := 0; i < slots; i++ {
			w.expanded = append(w.expanded, v.StrategyID)
		}
	}
	w.sig = sig
	w.cursor = 0
}

func signature(eligible []view) string {
	sig := ""
	for _, v := range eligible {
		slots := int(v.Performance * wrrGranularity)
		sig += v.StrategyID + "#" + string(rune('0'+slots%11)) + ";"
	}
	return sig
}

// leastConnections picks the candidate with the fewest open connections.
// The counter discipline (increment on selection, decrement exactly once
// on completion) lives in the Selector.
type leastConnections struct{}

func (l *leastConnections) Name() string { return "least_connections" }

func (l *leastConnections) Pick(eligible []view) int {
	best := 0
	for i, v := range eligible {
		if v.OpenConns < eligible[best].OpenConns {
			best = i
		}
	}
	return best
}

// adaptive picks the max composite score.
type adaptive struct {
	scorer ScoringStrategy
}

func (a *adaptive) Name() string { return "adaptive" }

func (a *adaptive) Pick(eligible []view) int {
	best, bestScore := 0, a.scorer.Score(eligible[0])
	for i := 1; i < len(eligible); i++ {
		if score := a.scorer.Score(eligible[i]); score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}
