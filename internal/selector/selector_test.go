package selector

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bidspm-batch/internal/config"
	"github.com/ChuLiYu/bidspm-batch/pkg/types"
)

func TestExplicitKeepsOrder(t *testing.T) {
	subs, err := Explicit([]string{"03", "sub-01", "02"})
	require.NoError(t, err)
	assert.Equal(t, []string{"03", "01", "02"}, subs)
}

func TestExplicitRejectsDuplicates(t *testing.T) {
	_, err := Explicit([]string{"01", "sub-01"})
	assert.ErrorIs(t, err, types.ErrConfig)

	_, err = Explicit([]string{"01", " "})
	assert.ErrorIs(t, err, types.ErrConfig)
}

func TestExplicitRejectsNonAlphanumericLabels(t *testing.T) {
	for _, label := range []string{"01 --task faces", "sub-01_task-rest", "../02", "01/anat", "sub-0-1", "01:02", "é1"} {
		_, err := Explicit([]string{label})
		assert.ErrorIs(t, err, types.ErrConfig, label)
	}

	subs, err := Explicit([]string{"sub-CTL01", "pilot2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"CTL01", "pilot2"}, subs)
}

func TestDiscoverSorted(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"sub-10", "sub-02", "sub-01", "logs", "sub-", "sub-03.bak"} {
		require.NoError(t, os.Mkdir(filepath.Join(root, d), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub-99.html"), nil, 0o644))

	subs, err := Discover(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"01", "02", "10"}, subs)
}

func TestDiscoverMissingRoot(t *testing.T) {
	_, err := Discover(filepath.Join(t.TempDir(), "absent"))
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestPilotPicksExactlyOne(t *testing.T) {
	list := []string{"01", "02", "03"}
	for seed := int64(0); seed < 50; seed++ {
		got := Pilot(list, rand.New(rand.NewSource(seed)))
		require.Len(t, got, 1)
		assert.Contains(t, list, got[0])
	}
	assert.Nil(t, Pilot(nil, nil))
}

func TestResolve(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"sub-02", "sub-01"} {
		require.NoError(t, os.Mkdir(filepath.Join(root, d), 0o755))
	}

	cfg := &config.Config{PreprocDir: root}
	subs, err := Resolve(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"01", "02"}, subs)

	cfg.Subjects = []string{"07", "05"}
	subs, err = Resolve(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"07", "05"}, subs)

	cfg.Pilot = true
	subs, err = Resolve(cfg, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Contains(t, []string{"07", "05"}, subs[0])
}
