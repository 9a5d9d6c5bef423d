package dedup

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allaunthefox/NoDupeLabs-sub001/cascade"
)

func TestScanStages_ProgressivePreferred(t *testing.T) {
	dir := t.TempDir()
	same := bytes.Repeat([]byte("q"), 96)
	files := []File{
		writeFile(t, dir, "a", same),
		writeFile(t, dir, "b", same),
		writeFile(t, dir, "c", bytes.Repeat([]byte("r"), 96)),
	}

	reg := cascade.NewRegistry()
	require.NoError(t, RegisterAlgorithms(reg))
	det, err := NewDetector(reg)
	require.NoError(t, err)
	require.NoError(t, RegisterScanStages(reg, det))

	result, outcome, err := reg.ExecuteCascade(context.Background(), OpScan, &ScanRequest{Files: files})
	require.NoError(t, err)
	assert.Equal(t, "progressive", outcome.Stage)
	assert.Equal(t, cascade.TierBest, outcome.Tier)

	res, ok := result.(*Result)
	require.True(t, ok)
	require.Len(t, res.Groups, 1)
	assert.Len(t, res.Groups[0].Members, 2)
}

func TestScanStages_SameMembershipAcrossTiers(t *testing.T) {
	dir := t.TempDir()
	same := bytes.Repeat([]byte("m"), 300)
	other := bytes.Repeat([]byte("n"), 300)
	files := []File{
		writeFile(t, dir, "a", same),
		writeFile(t, dir, "b", same),
		writeFile(t, dir, "c", other),
		writeFile(t, dir, "d", other),
		writeFile(t, dir, "e", []byte("unique")),
	}

	det := newBuiltinDetector(t)
	progressive := NewProgressiveStage(det)
	exhaustive := NewExhaustiveStage(det)

	req := &ScanRequest{Files: files}
	pv, err := progressive.Execute(context.Background(), req)
	require.NoError(t, err)
	ev, err := exhaustive.Execute(context.Background(), req)
	require.NoError(t, err)

	pres, eres := pv.(*Result), ev.(*Result)
	require.Len(t, pres.Groups, 2)
	require.Len(t, eres.Groups, 2)
	for i := range pres.Groups {
		assert.Equal(t, pres.Groups[i].Members, eres.Groups[i].Members)
		assert.Equal(t, pres.Groups[i].Size, eres.Groups[i].Size)
	}

	// The exhaustive path never runs the quick phase.
	assert.Empty(t, eres.QuickHashAlgorithm)
	assert.Empty(t, eres.Groups[0].QuickHash)
	assert.NotEmpty(t, pres.Groups[0].QuickHash)
}

func TestScanStages_RejectWrongRequest(t *testing.T) {
	det := newBuiltinDetector(t)
	for _, stage := range []cascade.Stage{NewProgressiveStage(det), NewExhaustiveStage(det)} {
		_, err := stage.Execute(context.Background(), "not a request")
		require.Error(t, err)
	}
}
