package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	kgzip "github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/allaunthefox/NoDupeLabs-sub001/cascade"
)

// extractTar walks a tar stream and materializes its entries under dest.
// Cancellation is checked per entry; an unsafe path fails the whole
// extraction rather than being silently dropped.
func extractTar(ctx context.Context, tr *tar.Reader, dest string) (*ExtractReport, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create destination: %w", err)
	}

	report := &ExtractReport{}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return report, nil
		}
		if err != nil {
			return nil, fmt.Errorf("archive: read tar entry: %w", err)
		}

		target, err := entryPath(dest, hdr.Name)
		if err != nil {
			return nil, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, fmt.Errorf("archive: create %s: %w", target, err)
			}
			report.Entries++
		case tar.TypeReg:
			n, err := writeEntry(target, tr, hdr.FileInfo().Mode().Perm())
			if err != nil {
				return nil, err
			}
			report.Entries++
			report.Bytes += n
		default:
			// Symlinks, hard links and device nodes are never created.
			log.Debugf("skipping tar entry %s (type %c)", hdr.Name, hdr.Typeflag)
			report.Skipped++
		}
	}
}

// entryPath joins an archive entry name onto dest, refusing names that
// would escape it.
func entryPath(dest, name string) (string, error) {
	name = filepath.FromSlash(name)
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("archive: unsafe entry path %q", name)
	}
	return filepath.Join(dest, name), nil
}

// writeEntry creates one regular file with the entry's permission bits.
func writeEntry(target string, r io.Reader, perm os.FileMode) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("archive: create parent of %s: %w", target, err)
	}
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return 0, fmt.Errorf("archive: create %s: %w", target, err)
	}
	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("archive: write %s: %w", target, err)
	}
	return n, nil
}

// fastTarGzStage decompresses with the klauspost gzip codec.
type fastTarGzStage struct{}

var _ cascade.Stage = (*fastTarGzStage)(nil)

func newFastTarGzStage() cascade.Stage { return &fastTarGzStage{} }

func (*fastTarGzStage) Name() string                        { return "klauspost-gzip" }
func (*fastTarGzStage) Tier() cascade.QualityTier           { return cascade.TierBest }
func (*fastTarGzStage) CanOperate(ctx context.Context) bool { return true }

func (*fastTarGzStage) Execute(ctx context.Context, req any) (any, error) {
	er, err := decodeRequest(req)
	if err != nil {
		return nil, err
	}
	src, err := os.Open(er.Source)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", er.Source, err)
	}
	defer src.Close()

	gz, err := kgzip.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("archive: gzip %s: %w", er.Source, err)
	}
	defer gz.Close()
	return extractTar(ctx, tar.NewReader(gz), er.Dest)
}

// stdTarGzStage is the universal fallback on the standard library codec.
type stdTarGzStage struct{}

var _ cascade.Stage = (*stdTarGzStage)(nil)

func newStdTarGzStage() cascade.Stage { return &stdTarGzStage{} }

func (*stdTarGzStage) Name() string                        { return "stdlib-gzip" }
func (*stdTarGzStage) Tier() cascade.QualityTier           { return cascade.TierAcceptable }
func (*stdTarGzStage) CanOperate(ctx context.Context) bool { return true }

func (*stdTarGzStage) Execute(ctx context.Context, req any) (any, error) {
	er, err := decodeRequest(req)
	if err != nil {
		return nil, err
	}
	src, err := os.Open(er.Source)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", er.Source, err)
	}
	defer src.Close()

	gz, err := gzip.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("archive: gzip %s: %w", er.Source, err)
	}
	defer gz.Close()
	return extractTar(ctx, tar.NewReader(gz), er.Dest)
}

// tarZstStage unpacks zstd tarballs. It declares the zstd capability so
// hosts can rule it out wholesale.
type tarZstStage struct{}

var _ cascade.Stage = (*tarZstStage)(nil)
var _ cascade.RequirementReporter = (*tarZstStage)(nil)

func newTarZstStage() cascade.Stage { return &tarZstStage{} }

func (*tarZstStage) Name() string                        { return "klauspost-zstd" }
func (*tarZstStage) Tier() cascade.QualityTier           { return cascade.TierBest }
func (*tarZstStage) CanOperate(ctx context.Context) bool { return true }

func (*tarZstStage) Requirements() cascade.Requirements {
	return cascade.Requirements{Capabilities: []string{CapabilityZstd}}
}

func (*tarZstStage) Execute(ctx context.Context, req any) (any, error) {
	er, err := decodeRequest(req)
	if err != nil {
		return nil, err
	}
	src, err := os.Open(er.Source)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", er.Source, err)
	}
	defer src.Close()

	dec, err := zstd.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("archive: zstd %s: %w", er.Source, err)
	}
	defer dec.Close()
	return extractTar(ctx, tar.NewReader(dec), er.Dest)
}
