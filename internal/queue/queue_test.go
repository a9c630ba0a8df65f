package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRankOrdersKnownPrioritiesAscending(t *testing.T) {
	require.Less(t, Rank(PriorityCritical), Rank(PriorityHigh))
	require.Less(t, Rank(PriorityHigh), Rank(PriorityNormal))
	require.Less(t, Rank(PriorityNormal), Rank(PriorityLow))
	require.Less(t, Rank(PriorityLow), Rank(PriorityBatch))
}

func TestRankUnknownSortsLast(t *testing.T) {
	require.Greater(t, Rank("nonexistent"), Rank(PriorityBatch))
}

func TestCapabilitiesSatisfied(t *testing.T) {
	require.True(t, capabilitiesSatisfied(nil, []string{"gpu"}))
	require.True(t, capabilitiesSatisfied([]string{"gpu"}, []string{"gpu", "cpu"}))
	require.False(t, capabilitiesSatisfied([]string{"gpu"}, []string{"cpu"}))
}
