package accumulate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCadenceRecorderStats(t *testing.T) {
	r := NewCadenceRecorder()
	start := time.Now()

	// Seven arrivals, six 2s gaps.
	for i := 0; i < 7; i++ {
		r.Observe("user-1", start.Add(time.Duration(i)*2*time.Second))
	}
	stats := r.Stats("user-1")
	require.Equal(t, 6, stats.Samples)
	require.True(t, stats.Trustworthy())
	require.Equal(t, 2*time.Second, stats.P50)
	require.Equal(t, 2*time.Second, stats.P95)
}

func TestCadenceConversationGapResets(t *testing.T) {
	r := NewCadenceRecorder()
	start := time.Now()
	r.Observe("user-1", start)
	r.Observe("user-1", start.Add(2*time.Second))
	// A new conversation hours later must not contribute a huge gap.
	r.Observe("user-1", start.Add(3*time.Hour))
	stats := r.Stats("user-1")
	require.Equal(t, 1, stats.Samples)
	require.False(t, stats.Trustworthy())
}

func TestCadencePerInterlocutorIsolation(t *testing.T) {
	r := NewCadenceRecorder()
	start := time.Now()
	for i := 0; i < 6; i++ {
		r.Observe("fast", start.Add(time.Duration(i)*time.Second))
	}
	require.Equal(t, 5, r.Stats("fast").Samples)
	require.Zero(t, r.Stats("slow").Samples)
}
