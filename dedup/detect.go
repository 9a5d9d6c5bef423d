// Package dedup implements progressive duplicate detection. Candidate
// files are partitioned in three phases of increasing cost: exact byte
// size, a quick hash of a fixed-size prefix, and a full-content hash.
// Each phase only ever splits groups, so two files end up in the same
// final group exactly when size, quick hash and full hash all agree.
//
// The hashing primitive itself is chosen through the cascade: blake3
// when present, xxh64 as the balanced fallback, sha2-256 as the
// universal one. The algorithm is selected once per detection run, not
// per file, and is reported in the result for observability.
package dedup

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/allaunthefox/NoDupeLabs-sub001/cascade"
	"github.com/allaunthefox/NoDupeLabs-sub001/pool"
)

var log = logging.Logger("dedup")

// QuickProbeSize is the fixed prefix length the quick phase digests.
// The exact sampling strategy is a contract: equal content implies an
// equal prefix, so quick hashing can split candidate groups but never
// merge unequal files into one.
const QuickProbeSize = 64 * 1024

// File is one candidate supplied by the caller's enumerator. The
// detector never walks the filesystem itself.
type File struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Group is one confirmed set of files with identical content. Members
// are sorted by path.
type Group struct {
	Size      int64    `json:"size"`
	QuickHash string   `json:"quick_hash,omitempty"`
	FullHash  string   `json:"full_hash"`
	Members   []string `json:"members"`
}

// Result carries the duplicate groups plus the observability metadata of
// one detection run. Group membership is deterministic for a fixed input
// and algorithm set; group order is sorted for convenience but not part
// of the contract.
type Result struct {
	Groups       []Group `json:"groups"`
	FilesScanned int     `json:"files_scanned"`
	// FilesSkipped counts candidates dropped because their content
	// could not be read.
	FilesSkipped int `json:"files_skipped"`

	QuickHashAlgorithm string              `json:"quick_hash_algorithm,omitempty"`
	QuickHashTier      cascade.QualityTier `json:"quick_hash_tier,omitempty"`
	FullHashAlgorithm  string              `json:"full_hash_algorithm,omitempty"`
	FullHashTier       cascade.QualityTier `json:"full_hash_tier,omitempty"`
}

// Detector runs the progressive scan. It is safe for concurrent use;
// SetAlgorithms may repin the hash algorithms between runs.
type Detector struct {
	reg  *cascade.Registry
	pool *pool.Pool
	algs map[string]Algorithm

	mu        sync.RWMutex
	quickName string
	fullName  string
}

// Option configures a Detector.
type Option func(*Detector)

// WithPool fans per-file hashing out to p instead of hashing inline.
// Detect must not itself run as a task on the same pool; a full queue
// would deadlock against its own fan-out.
func WithPool(p *pool.Pool) Option {
	return func(d *Detector) { d.pool = p }
}

// WithAlgorithms replaces the built-in algorithm set.
func WithAlgorithms(algs ...Algorithm) Option {
	return func(d *Detector) {
		d.algs = make(map[string]Algorithm, len(algs))
		for _, a := range algs {
			d.algs[a.Name()] = a
		}
	}
}

// WithQuickAlgorithm pins the quick-phase algorithm by name instead of
// cascade selection.
func WithQuickAlgorithm(name string) Option {
	return func(d *Detector) { d.quickName = name }
}

// WithFullAlgorithm pins the full-phase algorithm by name instead of
// cascade selection.
func WithFullAlgorithm(name string) Option {
	return func(d *Detector) { d.fullName = name }
}

// NewDetector builds a Detector selecting algorithms from reg. The
// registry may be nil only when both phase algorithms are pinned.
func NewDetector(reg *cascade.Registry, opts ...Option) (*Detector, error) {
	d := &Detector{
		reg:       reg,
		quickName: AlgorithmAuto,
		fullName:  AlgorithmAuto,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.algs == nil {
		d.algs = make(map[string]Algorithm)
		for _, a := range BuiltinAlgorithms() {
			d.algs[a.Name()] = a
		}
	}
	if err := d.SetAlgorithms(d.quickName, d.fullName); err != nil {
		return nil, err
	}
	return d, nil
}

// SetAlgorithms repins the quick and full phase algorithms, as on a
// configuration reload. Scans already running keep the algorithms they
// resolved at start.
func (d *Detector) SetAlgorithms(quick, full string) error {
	for _, name := range []string{quick, full} {
		if name == AlgorithmAuto {
			if d.reg == nil {
				return &cascade.ConfigurationError{Op: OpHash, Reason: "automatic algorithm selection needs a registry"}
			}
			continue
		}
		if _, ok := d.algs[name]; !ok {
			return &cascade.ConfigurationError{Op: OpHash, Stage: name, Reason: "unknown hash algorithm"}
		}
	}
	d.mu.Lock()
	d.quickName, d.fullName = quick, full
	d.mu.Unlock()
	return nil
}

// Detect partitions files into duplicate groups. Unreadable files are
// logged, counted in FilesSkipped and left out of every group; the scan
// itself fails only on cancellation or when no hash algorithm is
// available.
func (d *Detector) Detect(ctx context.Context, files []File) (*Result, error) {
	res := &Result{FilesScanned: len(files)}

	bySize := partitionBySize(files)
	if len(bySize) == 0 {
		return res, nil
	}

	d.mu.RLock()
	quickName, fullName := d.quickName, d.fullName
	d.mu.RUnlock()

	quick, err := d.resolve(ctx, quickName)
	if err != nil {
		return nil, err
	}
	full, err := d.resolve(ctx, fullName)
	if err != nil {
		return nil, err
	}
	res.QuickHashAlgorithm = quick.Name()
	res.QuickHashTier = quick.Tier()
	res.FullHashAlgorithm = full.Name()
	res.FullHashTier = full.Tier()
	log.Debugf("scanning %d files in %d size groups (quick=%s full=%s)",
		len(files), len(bySize), quick.Name(), full.Name())

	for size, group := range bySize {
		quickGroups, skipped, err := d.partitionByDigest(ctx, group, quick, QuickProbeSize)
		if err != nil {
			return nil, err
		}
		res.FilesSkipped += skipped

		for quickDigest, candidates := range quickGroups {
			fullGroups, skipped, err := d.partitionByDigest(ctx, candidates, full, 0)
			if err != nil {
				return nil, err
			}
			res.FilesSkipped += skipped

			for fullDigest, members := range fullGroups {
				res.Groups = append(res.Groups, Group{
					Size:      size,
					QuickHash: quickDigest,
					FullHash:  fullDigest,
					Members:   sortedPaths(members),
				})
			}
		}
	}
	sortGroups(res.Groups)
	return res, nil
}

// exhaustive is the fallback detection strategy: full-hash every file
// and group by digest. Slower, but free of the quick-hash phase; the
// resulting membership matches the progressive scan because an equal
// full-content hash implies equal size and equal prefix.
func (d *Detector) exhaustive(ctx context.Context, files []File) (*Result, error) {
	res := &Result{FilesScanned: len(files)}
	if len(files) < 2 {
		return res, nil
	}

	d.mu.RLock()
	fullName := d.fullName
	d.mu.RUnlock()

	full, err := d.resolve(ctx, fullName)
	if err != nil {
		return nil, err
	}
	res.FullHashAlgorithm = full.Name()
	res.FullHashTier = full.Tier()

	groups, skipped, err := d.partitionByDigest(ctx, files, full, 0)
	if err != nil {
		return nil, err
	}
	res.FilesSkipped = skipped
	for digest, members := range groups {
		res.Groups = append(res.Groups, Group{
			Size:     members[0].Size,
			FullHash: digest,
			Members:  sortedPaths(members),
		})
	}
	sortGroups(res.Groups)
	return res, nil
}

// resolve maps a configured algorithm name to an Algorithm, consulting
// the cascade for "auto".
func (d *Detector) resolve(ctx context.Context, name string) (Algorithm, error) {
	if name != AlgorithmAuto && name != "" {
		alg, ok := d.algs[name]
		if !ok {
			return nil, &cascade.ConfigurationError{Op: OpHash, Stage: name, Reason: "unknown hash algorithm"}
		}
		return alg, nil
	}
	stage, err := d.reg.SelectOptimal(ctx, OpHash, cascade.TierMinimal)
	if err != nil {
		return nil, err
	}
	alg, ok := d.algs[stage.Name()]
	if !ok {
		return nil, fmt.Errorf("dedup: selected hash stage %q has no matching algorithm", stage.Name())
	}
	return alg, nil
}

// partitionByDigest splits files by their digest under alg, dropping
// groups that end up with fewer than two members. skipped counts files
// whose digest could not be computed.
func (d *Detector) partitionByDigest(ctx context.Context, files []File, alg Algorithm, limit int64) (map[string][]File, int, error) {
	digests, err := d.digestAll(ctx, files, alg, limit)
	if err != nil {
		return nil, 0, err
	}
	groups := make(map[string][]File)
	skipped := 0
	for i, f := range files {
		if digests[i] == "" {
			skipped++
			continue
		}
		groups[digests[i]] = append(groups[digests[i]], f)
	}
	for digest, members := range groups {
		if len(members) < 2 {
			delete(groups, digest)
		}
	}
	return groups, skipped, nil
}

// digestAll computes each file's digest, fanning out to the worker pool
// when one is attached. A file that fails to digest yields "".
func (d *Detector) digestAll(ctx context.Context, files []File, alg Algorithm, limit int64) ([]string, error) {
	digests := make([]string, len(files))
	if d.pool == nil || len(files) == 1 {
		for i, f := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			digests[i] = d.digestFile(ctx, f, alg, limit)
		}
		return digests, nil
	}

	var wg sync.WaitGroup
	for i := range files {
		i := i
		wg.Add(1)
		err := d.pool.Submit(ctx, func(taskCtx context.Context) {
			defer wg.Done()
			digests[i] = d.digestFile(taskCtx, files[i], alg, limit)
		})
		if err != nil {
			// Queue full or pool closing; do this one here.
			digests[i] = d.digestFile(ctx, files[i], alg, limit)
			wg.Done()
		}
	}
	wg.Wait()
	return digests, ctx.Err()
}

// digestFile opens and hashes one file; failures are absorbed and
// reported as an empty digest.
func (d *Detector) digestFile(ctx context.Context, f File, alg Algorithm, limit int64) string {
	if ctx.Err() != nil {
		return ""
	}
	fh, err := os.Open(f.Path)
	if err != nil {
		log.Warnf("skipping %s: %v", f.Path, err)
		return ""
	}
	defer fh.Close()

	digest, err := digestReader(ctx, alg, fh, limit)
	if err != nil {
		if ctx.Err() == nil {
			log.Warnf("skipping %s: %v", f.Path, err)
		}
		return ""
	}
	return digest
}

// partitionBySize is phase one: group by exact byte size and drop sizes
// seen only once, which cannot be duplicates.
func partitionBySize(files []File) map[int64][]File {
	bySize := make(map[int64][]File)
	for _, f := range files {
		bySize[f.Size] = append(bySize[f.Size], f)
	}
	for size, group := range bySize {
		if len(group) < 2 {
			delete(bySize, size)
		}
	}
	return bySize
}

func sortedPaths(files []File) []string {
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	sort.Strings(paths)
	return paths
}

func sortGroups(groups []Group) {
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Size != groups[j].Size {
			return groups[i].Size < groups[j].Size
		}
		return groups[i].FullHash < groups[j].FullHash
	})
}
