// Package archive provides extraction stages for the cascade framework.
// Each archive format is its own operation; where more than one codec
// can serve a format, the stages are tiered so the fastest available
// implementation wins and the universal one remains as fallback.
//
// All stages guard against path traversal: entries that would escape
// the destination directory fail the extraction. Entry types other than
// directories and regular files are skipped and counted, never created.
package archive

import (
	"errors"
	"fmt"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/allaunthefox/NoDupeLabs-sub001/cascade"
)

var log = logging.Logger("archive")

// Operation names used with a cascade.Registry.
const (
	// OpExtractZip unpacks zip archives.
	OpExtractZip = "archive.extract.zip"

	// OpExtractTarGz unpacks gzip-compressed tarballs.
	OpExtractTarGz = "archive.extract.targz"

	// OpExtractTarZst unpacks zstd-compressed tarballs.
	OpExtractTarZst = "archive.extract.tarzst"
)

// CapabilityZstd gates the zstd stage; hosts that cannot take the
// dependency run without OpExtractTarZst.
const CapabilityZstd = "zstd"

// ErrUnknownFormat is returned by DetectFormat for file names without a
// recognized archive extension.
var ErrUnknownFormat = errors.New("archive: unknown format")

// ExtractRequest is the input type of extraction stages.
type ExtractRequest struct {
	// Source is the archive file path.
	Source string
	// Dest is the directory entries are created under. It is created if
	// missing.
	Dest string
}

// ExtractReport summarizes one extraction.
type ExtractReport struct {
	// Entries counts directories and files created.
	Entries int
	// Bytes counts decompressed file payload written.
	Bytes int64
	// Skipped counts entries left out (symlinks, devices, metadata).
	Skipped int
}

// DetectFormat maps an archive file name to its extraction operation.
func DetectFormat(name string) (string, error) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return OpExtractZip, nil
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return OpExtractTarGz, nil
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return OpExtractTarZst, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, name)
}

// RegisterExtractionStages registers every built-in extraction stage.
func RegisterExtractionStages(reg *cascade.Registry) error {
	stages := map[string][]cascade.Stage{
		OpExtractZip:    {newZipStage()},
		OpExtractTarGz:  {newFastTarGzStage(), newStdTarGzStage()},
		OpExtractTarZst: {newTarZstStage()},
	}
	for op, list := range stages {
		for _, s := range list {
			if err := reg.Register(op, s); err != nil {
				return err
			}
		}
	}
	return nil
}

// decodeRequest narrows the stage input.
func decodeRequest(req any) (*ExtractRequest, error) {
	er, ok := req.(*ExtractRequest)
	if !ok {
		return nil, fmt.Errorf("archive: extraction stage wants *ExtractRequest, got %T", req)
	}
	if er.Source == "" || er.Dest == "" {
		return nil, errors.New("archive: extraction request needs Source and Dest")
	}
	return er, nil
}
