package dedup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allaunthefox/NoDupeLabs-sub001/cascade"
	"github.com/allaunthefox/NoDupeLabs-sub001/pool"
)

// writeFile materializes one candidate file and returns its File entry.
func writeFile(t *testing.T, dir, name string, content []byte) File {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return File{Path: path, Size: int64(len(content))}
}

// countingAlg is a sha256-backed algorithm that counts how many streams
// it was asked to digest.
type countingAlg struct {
	name   string
	tier   cascade.QualityTier
	hashes int32
}

func (a *countingAlg) Name() string              { return a.name }
func (a *countingAlg) Tier() cascade.QualityTier { return a.tier }

func (a *countingAlg) NewHasher() hash.Hash {
	atomic.AddInt32(&a.hashes, 1)
	return sha256.New()
}

func (a *countingAlg) EncodeDigest(sum []byte) string { return hex.EncodeToString(sum) }

func (a *countingAlg) count() int { return int(atomic.LoadInt32(&a.hashes)) }

func newBuiltinDetector(t *testing.T, opts ...Option) *Detector {
	t.Helper()
	reg := cascade.NewRegistry()
	require.NoError(t, RegisterAlgorithms(reg))
	det, err := NewDetector(reg, opts...)
	require.NoError(t, err)
	return det
}

func TestDetector_GroupsExactDuplicates(t *testing.T) {
	dir := t.TempDir()
	contentX := bytes.Repeat([]byte("x"), 100)
	contentY := bytes.Repeat([]byte("y"), 100)
	contentD := bytes.Repeat([]byte("x"), 200)

	a := writeFile(t, dir, "a", contentX)
	b := writeFile(t, dir, "b", contentX)
	c := writeFile(t, dir, "c", contentY)
	d := writeFile(t, dir, "d", contentD)

	det := newBuiltinDetector(t)
	res, err := det.Detect(context.Background(), []File{a, b, c, d})
	require.NoError(t, err)

	// c shares a size but not content; d shares content but not size.
	require.Len(t, res.Groups, 1)
	g := res.Groups[0]
	assert.Equal(t, int64(100), g.Size)
	assert.Equal(t, []string{a.Path, b.Path}, g.Members)
	assert.NotEmpty(t, g.QuickHash)
	assert.NotEmpty(t, g.FullHash)
	assert.Equal(t, 4, res.FilesScanned)
	assert.Zero(t, res.FilesSkipped)
}

func TestDetector_UniqueSizesNeverHash(t *testing.T) {
	dir := t.TempDir()
	files := []File{
		writeFile(t, dir, "a", []byte("1")),
		writeFile(t, dir, "b", []byte("22")),
		writeFile(t, dir, "c", []byte("333")),
	}

	alg := &countingAlg{name: "counting", tier: cascade.TierGood}
	reg := cascade.NewRegistry()
	require.NoError(t, RegisterAlgorithms(reg, alg))
	det, err := NewDetector(reg, WithAlgorithms(alg))
	require.NoError(t, err)

	res, err := det.Detect(context.Background(), files)
	require.NoError(t, err)
	assert.Empty(t, res.Groups)
	assert.Equal(t, 0, alg.count(), "size-unique files must not be hashed")
	assert.Empty(t, res.QuickHashAlgorithm, "no algorithm should be selected when nothing needs hashing")
}

func TestDetector_PrefixCollisionResolvedByFullHash(t *testing.T) {
	dir := t.TempDir()
	prefix := bytes.Repeat([]byte("p"), QuickProbeSize)

	// Same prefix, different tails: quick phase groups them, full phase
	// must split them apart again.
	one := writeFile(t, dir, "one", append(append([]byte{}, prefix...), []byte("tail-1")...))
	two := writeFile(t, dir, "two", append(append([]byte{}, prefix...), []byte("tail-2")...))

	// A genuine duplicate pair of the same total size.
	same := append(append([]byte{}, prefix...), []byte("tail-3")...)
	three := writeFile(t, dir, "three", same)
	four := writeFile(t, dir, "four", same)

	det := newBuiltinDetector(t)
	res, err := det.Detect(context.Background(), []File{one, two, three, four})
	require.NoError(t, err)

	require.Len(t, res.Groups, 1)
	assert.Equal(t, []string{four.Path, three.Path}, res.Groups[0].Members)
}

func TestDetector_TierFallbackSelectsBestAvailable(t *testing.T) {
	dir := t.TempDir()
	same := bytes.Repeat([]byte("s"), 100)
	other := bytes.Repeat([]byte("o"), 100)
	files := []File{
		writeFile(t, dir, "a", same),
		writeFile(t, dir, "b", same),
		writeFile(t, dir, "c", same),
		writeFile(t, dir, "d", other),
	}

	fast := &countingAlg{name: "fast", tier: cascade.TierBest}
	standard := &countingAlg{name: "standard", tier: cascade.TierGood}
	universal := &countingAlg{name: "universal", tier: cascade.TierAcceptable}

	reg := cascade.NewRegistry()
	require.NoError(t, reg.Register(OpHash, NewAlgorithmStage(fast, func(context.Context) bool { return false })))
	require.NoError(t, reg.Register(OpHash, NewAlgorithmStage(standard, nil)))
	require.NoError(t, reg.Register(OpHash, NewAlgorithmStage(universal, nil)))

	det, err := NewDetector(reg, WithAlgorithms(fast, standard, universal))
	require.NoError(t, err)

	res, err := det.Detect(context.Background(), files)
	require.NoError(t, err)

	require.Len(t, res.Groups, 1)
	assert.Len(t, res.Groups[0].Members, 3)
	assert.Equal(t, "standard", res.QuickHashAlgorithm)
	assert.Equal(t, cascade.TierGood, res.QuickHashTier)
	assert.Equal(t, "standard", res.FullHashAlgorithm)
	assert.Equal(t, cascade.TierGood, res.FullHashTier)

	// The unavailable best tier is probed, never executed: 4 quick
	// digests plus 3 full digests all land on the fallback.
	assert.Equal(t, 0, fast.count())
	assert.Equal(t, 7, standard.count())
	assert.Equal(t, 0, universal.count())
}

func TestDetector_SkipsUnreadableFiles(t *testing.T) {
	dir := t.TempDir()
	same := bytes.Repeat([]byte("z"), 64)
	a := writeFile(t, dir, "a", same)
	b := writeFile(t, dir, "b", same)
	missing := File{Path: filepath.Join(dir, "missing"), Size: 64}

	det := newBuiltinDetector(t)
	res, err := det.Detect(context.Background(), []File{a, b, missing})
	require.NoError(t, err)

	require.Len(t, res.Groups, 1)
	assert.Equal(t, []string{a.Path, b.Path}, res.Groups[0].Members)
	assert.Equal(t, 1, res.FilesSkipped)
}

func TestDetector_PoolFanOut(t *testing.T) {
	dir := t.TempDir()
	var files []File
	for i := 0; i < 24; i++ {
		content := bytes.Repeat([]byte{byte('a' + i/3)}, 512)
		files = append(files, writeFile(t, dir, fmt.Sprintf("f%02d", i), content))
	}

	p, err := pool.New(context.Background(), pool.DefaultConfig())
	require.NoError(t, err)
	defer p.Close(context.Background())

	det := newBuiltinDetector(t, WithPool(p))
	res, err := det.Detect(context.Background(), files)
	require.NoError(t, err)

	require.Len(t, res.Groups, 8)
	for _, g := range res.Groups {
		assert.Len(t, g.Members, 3)
	}
}

func TestDetector_DeterministicAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	var files []File
	for i := 0; i < 12; i++ {
		content := bytes.Repeat([]byte{byte('a' + i%4)}, 256)
		files = append(files, writeFile(t, dir, fmt.Sprintf("f%02d", i), content))
	}

	det := newBuiltinDetector(t)
	first, err := det.Detect(context.Background(), files)
	require.NoError(t, err)
	second, err := det.Detect(context.Background(), files)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDetector_ExplicitAlgorithms(t *testing.T) {
	dir := t.TempDir()
	same := bytes.Repeat([]byte("e"), 128)
	a := writeFile(t, dir, "a", same)
	b := writeFile(t, dir, "b", same)

	det := newBuiltinDetector(t, WithQuickAlgorithm("xxh64"), WithFullAlgorithm("sha256"))
	res, err := det.Detect(context.Background(), []File{a, b})
	require.NoError(t, err)

	assert.Equal(t, "xxh64", res.QuickHashAlgorithm)
	assert.Equal(t, "sha256", res.FullHashAlgorithm)
	require.Len(t, res.Groups, 1)
	g := res.Groups[0]
	assert.Len(t, g.QuickHash, 16, "xxh64 digests are 8 hex-encoded bytes")
	assert.True(t, strings.HasPrefix(g.FullHash, "Qm"), "sha2-256 multihashes render base58 with the Qm prefix, got %q", g.FullHash)
}

func TestDetector_UnknownAlgorithmRejected(t *testing.T) {
	reg := cascade.NewRegistry()
	require.NoError(t, RegisterAlgorithms(reg))

	_, err := NewDetector(reg, WithFullAlgorithm("md5"))
	require.Error(t, err)
	var confErr *cascade.ConfigurationError
	assert.True(t, errors.As(err, &confErr))
}

func TestDetector_PinnedAlgorithmsNeedNoRegistry(t *testing.T) {
	_, err := NewDetector(nil)
	require.Error(t, err, "automatic selection without a registry must fail")

	det, err := NewDetector(nil, WithQuickAlgorithm("xxh64"), WithFullAlgorithm("sha256"))
	require.NoError(t, err)

	dir := t.TempDir()
	same := []byte("pinned")
	a := writeFile(t, dir, "a", same)
	b := writeFile(t, dir, "b", same)
	res, err := det.Detect(context.Background(), []File{a, b})
	require.NoError(t, err)
	require.Len(t, res.Groups, 1)
}

func TestDetector_SetAlgorithmsRepins(t *testing.T) {
	dir := t.TempDir()
	same := []byte("repinned")
	a := writeFile(t, dir, "a", same)
	b := writeFile(t, dir, "b", same)

	det := newBuiltinDetector(t)
	require.Error(t, det.SetAlgorithms("md5", "sha256"), "unknown names must be rejected")

	require.NoError(t, det.SetAlgorithms("xxh64", "sha256"))
	res, err := det.Detect(context.Background(), []File{a, b})
	require.NoError(t, err)
	assert.Equal(t, "xxh64", res.QuickHashAlgorithm)
	assert.Equal(t, "sha256", res.FullHashAlgorithm)
}

func TestDetector_CancelledContext(t *testing.T) {
	dir := t.TempDir()
	same := bytes.Repeat([]byte("c"), 32)
	a := writeFile(t, dir, "a", same)
	b := writeFile(t, dir, "b", same)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	det := newBuiltinDetector(t)
	_, err := det.Detect(ctx, []File{a, b})
	require.ErrorIs(t, err, context.Canceled)
}
