package eventlog

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/swarmguard/internal/claimtypes"
)

func TestAppendAssignsStrictlyIncreasingVersions(t *testing.T) {
	l := New()

	ev1, err := l.Append(claimtypes.Event{AggregateID: "claim-1", Type: claimtypes.EventClaimCreated, Timestamp: time.Now()}, "issue-1")
	require.NoError(t, err)
	assert.Equal(t, 1, ev1.Version)

	ev2, err := l.Append(claimtypes.Event{AggregateID: "claim-1", Type: claimtypes.EventClaimProgress, Timestamp: time.Now()}, "issue-1")
	require.NoError(t, err)
	assert.Equal(t, 2, ev2.Version)

	assert.Equal(t, 2, l.CurrentVersion("claim-1"))
}

func TestAppendVersionsAreIndependentPerAggregate(t *testing.T) {
	l := New()
	_, err := l.Append(claimtypes.Event{AggregateID: "claim-1", Type: claimtypes.EventClaimCreated, Timestamp: time.Now()}, "issue-1")
	require.NoError(t, err)

	ev, err := l.Append(claimtypes.Event{AggregateID: "claim-2", Type: claimtypes.EventClaimCreated, Timestamp: time.Now()}, "issue-2")
	require.NoError(t, err)
	assert.Equal(t, 1, ev.Version, "a different aggregate should start its own version sequence at 1")
}

func TestAppendIsConcurrencySafe(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	const n = 200
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := l.Append(claimtypes.Event{AggregateID: "claim-1", Type: claimtypes.EventClaimProgress, Timestamp: time.Now()}, "issue-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, n, l.CurrentVersion("claim-1"))
	assert.Len(t, l.Stream("claim-1", 0), n)
}

func TestStreamFromVersionFiltersEarlierEvents(t *testing.T) {
	l := New()
	for i := 0; i < 3; i++ {
		_, err := l.Append(claimtypes.Event{AggregateID: "claim-1", Type: claimtypes.EventClaimProgress, Timestamp: time.Now()}, "issue-1")
		require.NoError(t, err)
	}
	fromTwo := l.Stream("claim-1", 2)
	require.Len(t, fromTwo, 2)
	assert.Equal(t, 2, fromTwo[0].Version)
	assert.Equal(t, 3, fromTwo[1].Version)
}

func TestByIssueAndByTypeAggregateAcrossClaims(t *testing.T) {
	l := New()
	_, err := l.Append(claimtypes.Event{AggregateID: "claim-1", Type: claimtypes.EventClaimCreated, Timestamp: time.Now()}, "issue-1")
	require.NoError(t, err)
	_, err = l.Append(claimtypes.Event{AggregateID: "claim-2", Type: claimtypes.EventClaimCreated, Timestamp: time.Now()}, "issue-1")
	require.NoError(t, err)

	assert.Len(t, l.ByIssue("issue-1", 0), 2)
	assert.Len(t, l.ByType(claimtypes.EventClaimCreated, 0), 2)
	assert.Empty(t, l.ByIssue("issue-unrelated", 0))
}

func TestByTypeRespectsLimitKeepingMostRecent(t *testing.T) {
	l := New()
	for i := 0; i < 5; i++ {
		_, err := l.Append(claimtypes.Event{AggregateID: "claim-1", Type: claimtypes.EventClaimProgress, Timestamp: time.Now().Add(time.Duration(i) * time.Second)}, "issue-1")
		require.NoError(t, err)
	}
	limited := l.ByType(claimtypes.EventClaimProgress, 2)
	require.Len(t, limited, 2)
	assert.Equal(t, 4, limited[0].Version)
	assert.Equal(t, 5, limited[1].Version)
}
