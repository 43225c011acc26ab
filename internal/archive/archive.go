package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
)

// ErrArchive wraps every failure inside a tree scan, fingerprint, compress or
// decompress job.
var ErrArchive = errors.New("archive operation failed")

// ZstdExt is appended to every compressed file name.
const ZstdExt = ".zst"

// Engine is the job runner behind the orchestrator: it walks directory trees,
// fingerprints them and moves files in and out of compressed backups.
type Engine interface {
	FilesTree(ctx context.Context, path string) (Tree, int, error)
	CompareTree(ctx context.Context, input, output string) (Tree, int, error)
	CompressFiles(ctx context.Context, input, output string, opts ...CompressOption) (Summary, error)
	DecompressFiles(ctx context.Context, input, output string) (Summary, error)
	Fingerprint(ctx context.Context, path string) (string, error)
	PercentageRounded(processed, total int) int
}

// CompressOption tunes a single CompressFiles call.
type CompressOption func(*compressOptions)

type compressOptions struct {
	since time.Time
}

// Since turns a compression into an incremental one: a file is skipped when
// its compressed copy exists and the source was modified neither after t nor
// after the copy.
func Since(t time.Time) CompressOption {
	return func(o *compressOptions) {
		o.since = t
	}
}

// Summary describes a finished compress or decompress job.
type Summary struct {
	Job       string        `json:"job"`
	Files     int           `json:"files"`
	Processed int           `json:"processed"`
	Skipped   int           `json:"skipped"`
	BytesRead int64         `json:"bytes_read"`
	Duration  time.Duration `json:"duration_ms"`
}

func (s Summary) String() string {
	return fmt.Sprintf("%s took: %s (%d files, %d skipped, %s read)",
		s.Job,
		s.Duration.Round(time.Millisecond),
		s.Files,
		s.Skipped,
		humanize.Bytes(uint64(s.BytesRead)),
	)
}

// PercentageRounded returns processed/total as a percentage rounded half up
// and clamped to [0,100]. A non-positive total yields 0.
func PercentageRounded(processed, total int) int {
	if total <= 0 {
		return 0
	}
	processed = max(0, min(processed, total))
	return (processed*200 + total) / (2 * total)
}

// listFiles returns the regular files below root as slash-free relative
// paths, in lexical walk order.
func listFiles(ctx context.Context, root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	return files, err
}

// ctxReader stops a copy as soon as ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
