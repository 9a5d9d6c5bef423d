package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"os"

	"github.com/allaunthefox/NoDupeLabs-sub001/cascade"
)

// zipStage unpacks zip archives with the standard library reader, the
// only zip codec the toolkit carries.
type zipStage struct{}

var _ cascade.Stage = (*zipStage)(nil)

func newZipStage() cascade.Stage { return &zipStage{} }

func (*zipStage) Name() string                        { return "stdlib-zip" }
func (*zipStage) Tier() cascade.QualityTier           { return cascade.TierAcceptable }
func (*zipStage) CanOperate(ctx context.Context) bool { return true }

func (*zipStage) Execute(ctx context.Context, req any) (any, error) {
	er, err := decodeRequest(req)
	if err != nil {
		return nil, err
	}
	rc, err := zip.OpenReader(er.Source)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", er.Source, err)
	}
	defer rc.Close()

	if err := os.MkdirAll(er.Dest, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create destination: %w", err)
	}

	report := &ExtractReport{}
	for _, f := range rc.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		target, err := entryPath(er.Dest, f.Name)
		if err != nil {
			return nil, err
		}

		info := f.FileInfo()
		switch {
		case info.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, fmt.Errorf("archive: create %s: %w", target, err)
			}
			report.Entries++
		case info.Mode().IsRegular():
			src, err := f.Open()
			if err != nil {
				return nil, fmt.Errorf("archive: open entry %s: %w", f.Name, err)
			}
			n, err := writeEntry(target, src, info.Mode().Perm())
			src.Close()
			if err != nil {
				return nil, err
			}
			report.Entries++
			report.Bytes += n
		default:
			log.Debugf("skipping zip entry %s (mode %s)", f.Name, info.Mode())
			report.Skipped++
		}
	}
	return report, nil
}
