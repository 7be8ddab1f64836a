package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRepo(t *testing.T) Repository {
	t.Helper()
	repo, err := NewBadgerRepository(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestLoadRunStateEmpty(t *testing.T) {
	repo := openTestRepo(t)
	state, err := repo.LoadRunState()
	require.NoError(t, err)
	assert.Nil(t, state, "missing state is (nil, nil), not an error")
}

func TestSaveAndLoadRunState(t *testing.T) {
	repo := openTestRepo(t)

	saved := &RunState{
		RunID:           "r1",
		CompletedCloids: []string{"0x0102030405060708090a0b0c0d0e0f10"},
		SavedAt:         time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, repo.SaveRunState(saved))

	loaded, err := repo.LoadRunState()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, saved.RunID, loaded.RunID)
	assert.ElementsMatch(t, saved.CompletedCloids, loaded.CompletedCloids)
	assert.True(t, saved.SavedAt.Equal(loaded.SavedAt))
}

func TestCloidWindowUnionsAcrossSaves(t *testing.T) {
	// Successive saves must widen the dedup window, not replace it: a
	// restart should still suppress fills completed by the previous run.
	repo := openTestRepo(t)

	require.NoError(t, repo.SaveRunState(&RunState{
		RunID:           "run-a",
		CompletedCloids: []string{"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
	}))
	require.NoError(t, repo.SaveRunState(&RunState{
		RunID:           "run-b",
		CompletedCloids: []string{"0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"},
	}))

	loaded, err := repo.LoadRunState()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "run-b", loaded.RunID, "meta record tracks the latest run")
	assert.ElementsMatch(t, []string{
		"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
	}, loaded.CompletedCloids, "cloid window unions across saves")
}

func TestSaveSameCloidTwiceKeepsOneEntry(t *testing.T) {
	repo := openTestRepo(t)
	cloid := "0xcccccccccccccccccccccccccccccccc"

	require.NoError(t, repo.SaveRunState(&RunState{RunID: "r", CompletedCloids: []string{cloid}}))
	require.NoError(t, repo.SaveRunState(&RunState{RunID: "r", CompletedCloids: []string{cloid}}))

	loaded, err := repo.LoadRunState()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, []string{cloid}, loaded.CompletedCloids)
}

func TestMetaOnlyStateLoads(t *testing.T) {
	repo := openTestRepo(t)

	require.NoError(t, repo.SaveRunState(&RunState{RunID: "meta-only"}))

	loaded, err := repo.LoadRunState()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "meta-only", loaded.RunID)
	assert.Empty(t, loaded.CompletedCloids)
}
