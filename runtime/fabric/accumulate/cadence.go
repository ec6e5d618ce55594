package accumulate

import (
	"sort"
	"sync"
	"time"
)

// minCadenceSamples is how many inter-message gaps must be observed before
// cadence stats are considered trustworthy.
const minCadenceSamples = 5

// maxCadenceSamples bounds the rolling window kept per interlocutor.
const maxCadenceSamples = 50

type (
	// CadenceStats summarizes an interlocutor's typing rhythm: the median and
	// 95th percentile of inter-message gaps over the rolling window.
	CadenceStats struct {
		P50     time.Duration
		P95     time.Duration
		Samples int
	}

	// CadenceRecorder maintains rolling inter-message gap statistics per
	// interlocutor. It is safe for concurrent use.
	CadenceRecorder struct {
		mu     sync.Mutex
		gaps   map[string][]time.Duration
		lastAt map[string]time.Time
	}
)

// Trustworthy reports whether enough samples back the stats for them to
// influence wait computation.
func (s CadenceStats) Trustworthy() bool { return s.Samples >= minCadenceSamples }

// NewCadenceRecorder returns an empty recorder.
func NewCadenceRecorder() *CadenceRecorder {
	return &CadenceRecorder{
		gaps:   make(map[string][]time.Duration),
		lastAt: make(map[string]time.Time),
	}
}

// Observe records a message arrival for the interlocutor. Gaps longer than
// five minutes separate conversations rather than messages and reset the
// reference point without contributing a sample.
func (r *CadenceRecorder) Observe(interlocutorID string, at time.Time) {
	const conversationGap = 5 * time.Minute

	r.mu.Lock()
	defer r.mu.Unlock()
	last, seen := r.lastAt[interlocutorID]
	r.lastAt[interlocutorID] = at
	if !seen {
		return
	}
	gap := at.Sub(last)
	if gap <= 0 || gap > conversationGap {
		return
	}
	window := append(r.gaps[interlocutorID], gap)
	if len(window) > maxCadenceSamples {
		window = window[len(window)-maxCadenceSamples:]
	}
	r.gaps[interlocutorID] = window
}

// Stats returns the current stats for the interlocutor.
func (r *CadenceRecorder) Stats(interlocutorID string) CadenceStats {
	r.mu.Lock()
	window := append([]time.Duration(nil), r.gaps[interlocutorID]...)
	r.mu.Unlock()

	if len(window) == 0 {
		return CadenceStats{}
	}
	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
	return CadenceStats{
		P50:     percentile(window, 50),
		P95:     percentile(window, 95),
		Samples: len(window),
	}
}

// percentile returns the nearest-rank percentile of a sorted window.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
