package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStepsFormAContiguousChain(t *testing.T) {
	all := Steps()
	require.Len(t, all, LatestVersion)
	seen := map[StoreName]bool{}
	for i, step := range all {
		require.Equal(t, i, step.From)
		require.Equal(t, i+1, step.To)
		for _, def := range step.Stores {
			require.False(t, seen[def.Name], "store %s declared twice", def.Name)
			require.NotEmpty(t, def.KeyPath)
			seen[def.Name] = true
		}
	}
}

func TestPlanFreshInitialization(t *testing.T) {
	plan, err := Plan(0, LatestVersion)
	require.NoError(t, err)
	require.Len(t, plan, LatestVersion)
	require.Equal(t, 1, plan[0].To)
	require.Equal(t, LatestVersion, plan[len(plan)-1].To)
}

func TestPlanIncrementalUpgrade(t *testing.T) {
	plan, err := Plan(2, 5)
	require.NoError(t, err)
	require.Equal(t, []int{3, 4, 5}, []int{plan[0].To, plan[1].To, plan[2].To})

	plan, err = Plan(4, 4)
	require.NoError(t, err)
	require.Empty(t, plan)
}

func TestPlanStopsAtHardFloor(t *testing.T) {
	_, err := Plan(5, 6)
	require.ErrorIs(t, err, ErrSchemaIncompatible)

	_, err = Plan(3, 6)
	require.ErrorIs(t, err, ErrSchemaIncompatible)
}

func TestPlanRejectsDowngradeAndUnknownVersions(t *testing.T) {
	_, err := Plan(6, 5)
	require.ErrorIs(t, err, ErrSchemaIncompatible)

	_, err = Plan(9, LatestVersion)
	require.ErrorIs(t, err, ErrSchemaIncompatible)

	_, err = Plan(0, LatestVersion+1)
	require.Error(t, err)
}

func TestStoresAtIsCumulative(t *testing.T) {
	require.Len(t, StoresAt(1), 4)
	require.Len(t, StoresAt(4), 9)

	_, ok := Lookup(4, SyncObjects)
	require.False(t, ok)
	def, ok := Lookup(5, SyncObjects)
	require.True(t, ok)
	require.Equal(t, []string{"keyPath"}, def.KeyPath)

	comments, ok := Lookup(LatestVersion, Comments)
	require.True(t, ok)
	idx, ok := comments.Index(CommentsState)
	require.True(t, ok)
	require.Equal(t, []string{"state", "docId"}, idx.KeyPath)
}

func TestSpacesIncludeIndexKeyspaces(t *testing.T) {
	spaces := Spaces(StoresAt(1))
	require.Equal(t, []string{"document_locks", "documents", "documents__by_type", "pending_queues", "users"}, spaces)
}
