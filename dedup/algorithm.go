package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/multiformats/go-multihash"
	"lukechampine.com/blake3"

	"github.com/allaunthefox/NoDupeLabs-sub001/cascade"
)

// Operation names used with a cascade.Registry.
const (
	// OpHash is the hash-primitive operation. Its stages are hash
	// algorithms; selection picks the best one present on the host.
	OpHash = "dedup.hash"

	// OpScan is the duplicate-detection operation.
	OpScan = "dedup.scan"
)

// AlgorithmAuto asks the cascade to choose the algorithm.
const AlgorithmAuto = "auto"

// Algorithm is one hash primitive the detector can use. Implementations
// must be safe for concurrent use; NewHasher is called once per digested
// stream.
type Algorithm interface {
	// Name is the stable configuration name ("blake3", "xxh64", ...).
	Name() string

	// Tier ranks the algorithm for automatic selection.
	Tier() cascade.QualityTier

	// NewHasher returns a fresh streaming hasher.
	NewHasher() hash.Hash

	// EncodeDigest renders a finished digest for grouping and display.
	EncodeDigest(sum []byte) string
}

// BuiltinAlgorithms returns the built-in hash algorithms, best first:
// blake3 (modern, parallel-friendly), xxh64 (fast, non-cryptographic)
// and sha2-256 (universally available).
func BuiltinAlgorithms() []Algorithm {
	return []Algorithm{blake3Algorithm{}, xxh64Algorithm{}, sha256Algorithm{}}
}

type blake3Algorithm struct{}

func (blake3Algorithm) Name() string              { return "blake3" }
func (blake3Algorithm) Tier() cascade.QualityTier { return cascade.TierBest }
func (blake3Algorithm) NewHasher() hash.Hash      { return blake3.New(32, nil) }
func (blake3Algorithm) EncodeDigest(sum []byte) string {
	return encodeMultihash(sum, multihash.BLAKE3)
}

type xxh64Algorithm struct{}

func (xxh64Algorithm) Name() string              { return "xxh64" }
func (xxh64Algorithm) Tier() cascade.QualityTier { return cascade.TierGood }
func (xxh64Algorithm) NewHasher() hash.Hash      { return xxhash.New() }

// xxh64 has no registered multihash code, so its digests stay plain hex.
func (xxh64Algorithm) EncodeDigest(sum []byte) string { return hex.EncodeToString(sum) }

type sha256Algorithm struct{}

func (sha256Algorithm) Name() string              { return "sha256" }
func (sha256Algorithm) Tier() cascade.QualityTier { return cascade.TierAcceptable }
func (sha256Algorithm) NewHasher() hash.Hash      { return sha256.New() }
func (sha256Algorithm) EncodeDigest(sum []byte) string {
	return encodeMultihash(sum, multihash.SHA2_256)
}

// encodeMultihash wraps a raw digest in its multihash envelope and
// renders it base58, the form the rest of the tooling ecosystem expects.
func encodeMultihash(sum []byte, code uint64) string {
	encoded, err := multihash.Encode(sum, code)
	if err != nil {
		// Cannot happen for the built-in digest sizes.
		return hex.EncodeToString(sum)
	}
	return multihash.Multihash(encoded).B58String()
}

// HashRequest is the input type of OpHash stages. Limit > 0 caps how many
// bytes of R are digested.
type HashRequest struct {
	R     io.Reader
	Limit int64
}

// algorithmStage adapts an Algorithm into a cascade stage.
type algorithmStage struct {
	alg   Algorithm
	probe func(ctx context.Context) bool
}

var _ cascade.Stage = (*algorithmStage)(nil)

// NewAlgorithmStage adapts alg into a cascade stage for OpHash. A nil
// probe means always available; a custom probe lets the host rule the
// algorithm out (missing shared library, policy).
func NewAlgorithmStage(alg Algorithm, probe func(ctx context.Context) bool) cascade.Stage {
	return &algorithmStage{alg: alg, probe: probe}
}

func (s *algorithmStage) Name() string              { return s.alg.Name() }
func (s *algorithmStage) Tier() cascade.QualityTier { return s.alg.Tier() }

func (s *algorithmStage) CanOperate(ctx context.Context) bool {
	if s.probe == nil {
		return true
	}
	return s.probe(ctx)
}

func (s *algorithmStage) Execute(ctx context.Context, req any) (any, error) {
	hr, ok := req.(*HashRequest)
	if !ok {
		return nil, fmt.Errorf("dedup: hash stage wants *HashRequest, got %T", req)
	}
	return digestReader(ctx, s.alg, hr.R, hr.Limit)
}

// RegisterAlgorithms registers algorithms as OpHash stages. With no
// algorithms given the built-in set is registered.
func RegisterAlgorithms(reg *cascade.Registry, algs ...Algorithm) error {
	if len(algs) == 0 {
		algs = BuiltinAlgorithms()
	}
	for _, alg := range algs {
		if err := reg.Register(OpHash, NewAlgorithmStage(alg, nil)); err != nil {
			return err
		}
	}
	return nil
}

// copyBufPool recycles read buffers across digested files.
var copyBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 64*1024)
		return &b
	},
}

// digestReader hashes r with alg and returns the encoded digest.
// Cancellation is checked between chunks so large files abandon work
// promptly.
func digestReader(ctx context.Context, alg Algorithm, r io.Reader, limit int64) (string, error) {
	if limit > 0 {
		r = io.LimitReader(r, limit)
	}
	h := alg.NewHasher()
	bufp := copyBufPool.Get().(*[]byte)
	defer copyBufPool.Put(bufp)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := r.Read(*bufp)
		if n > 0 {
			h.Write((*bufp)[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return alg.EncodeDigest(h.Sum(nil)), nil
}
