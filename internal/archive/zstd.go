package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/kebairia/repliktor/internal/events"
	"github.com/kebairia/repliktor/internal/logger"
)

// ZstdOption lets you override default settings on a Zstd engine.
type ZstdOption func(*Zstd)

// Zstd compresses every file of a tree into its own zstd stream, mirroring
// the directory layout under the destination.
type Zstd struct {
	Level     int
	Workers   int
	Publisher events.Publisher
	Logger    logger.Logger
}

var _ Engine = (*Zstd)(nil)

// NewZstd returns an engine using level 3 and one worker per CPU unless
// overridden.
func NewZstd(opts ...ZstdOption) *Zstd {
	z := &Zstd{
		Level:     3,
		Workers:   runtime.NumCPU(),
		Publisher: nopPublisher{},
		Logger:    logger.Nop(),
	}
	for _, opt := range opts {
		opt(z)
	}
	return z
}

// WithLevel sets the zstd compression level.
func WithLevel(level int) ZstdOption {
	return func(z *Zstd) {
		if level > 0 {
			z.Level = level
		}
	}
}

// WithWorkers bounds how many files are processed at once.
func WithWorkers(n int) ZstdOption {
	return func(z *Zstd) {
		if n > 0 {
			z.Workers = n
		}
	}
}

// WithPublisher sets where progress messages go.
func WithPublisher(p events.Publisher) ZstdOption {
	return func(z *Zstd) {
		if p != nil {
			z.Publisher = p
		}
	}
}

func WithLogger(log logger.Logger) ZstdOption {
	return func(z *Zstd) {
		if log != nil {
			z.Logger = log
		}
	}
}

// PercentageRounded implements Engine.
func (z *Zstd) PercentageRounded(processed, total int) int {
	return PercentageRounded(processed, total)
}

// CompressFiles compresses every regular file below input into
// output/<base(input)>/<rel>.zst, emitting one message per file on the
// compress channel.
func (z *Zstd) CompressFiles(
	ctx context.Context,
	input, output string,
	opts ...CompressOption,
) (Summary, error) {
	var co compressOptions
	for _, opt := range opts {
		opt(&co)
	}
	start := time.Now()

	files, err := listFiles(ctx, input)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: scan %s: %w", ErrArchive, input, err)
	}
	dstRoot := filepath.Join(output, filepath.Base(filepath.Clean(input)))
	if err := os.MkdirAll(dstRoot, 0o755); err != nil {
		return Summary{}, fmt.Errorf("%w: mkdir %q: %w", ErrArchive, dstRoot, err)
	}

	z.Logger.Info("compress started",
		"input", input,
		"output", dstRoot,
		"files", len(files),
		"incremental", !co.since.IsZero(),
	)
	z.Publisher.JobStarted(events.CompressProgress, len(files))

	var processed, skipped atomic.Int64
	var bytesRead atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(z.Workers)
	for _, rel := range files {
		g.Go(func() error {
			src := filepath.Join(input, rel)
			dst := filepath.Join(dstRoot, rel) + ZstdExt

			if !co.since.IsZero() && upToDate(src, dst, co.since) {
				skipped.Add(1)
				z.Publisher.Publish(events.CompressProgress, events.Message{
					Message: "[unchanged] " + dst,
				})
				return nil
			}
			n, err := z.compressFile(gctx, src, dst)
			if err != nil {
				return fmt.Errorf("compress %s: %w", src, err)
			}
			processed.Add(1)
			bytesRead.Add(n)
			z.Publisher.Publish(events.CompressProgress, events.Message{
				Message: "[compressed] " + dst,
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		z.Logger.Error("compress failed", "input", input, "error", err.Error())
		return Summary{}, fmt.Errorf("%w: %w", ErrArchive, err)
	}

	summary := Summary{
		Job:       "Backup",
		Files:     len(files),
		Processed: int(processed.Load()),
		Skipped:   int(skipped.Load()),
		BytesRead: bytesRead.Load(),
		Duration:  time.Since(start),
	}
	z.Logger.Info("compress completed",
		"input", input,
		"output", dstRoot,
		"processed", summary.Processed,
		"skipped", summary.Skipped,
		"duration", summary.Duration.String(),
	)
	return summary, nil
}

func (z *Zstd) compressFile(ctx context.Context, src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	// Write through a pending file so an interrupted job never leaves a
	// truncated .zst that a later incremental run would trust.
	pf, err := renameio.TempFile("", dst)
	if err != nil {
		return 0, err
	}
	defer pf.Cleanup()

	enc, err := zstd.NewWriter(pf,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(z.Level)),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	n, err := io.Copy(enc, ctxReader{ctx: ctx, r: in})
	if err != nil {
		enc.Close()
		return n, err
	}
	if err := enc.Close(); err != nil {
		return n, err
	}
	return n, pf.CloseAtomicallyReplace()
}

// DecompressFiles restores every .zst file below input into
// output/<base(input)>/<rel without .zst>, emitting one message per file on
// the restore channel. Files without the .zst suffix are skipped.
func (z *Zstd) DecompressFiles(ctx context.Context, input, output string) (Summary, error) {
	start := time.Now()

	files, err := listFiles(ctx, input)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: scan %s: %w", ErrArchive, input, err)
	}
	dstRoot := filepath.Join(output, filepath.Base(filepath.Clean(input)))
	if err := os.MkdirAll(dstRoot, 0o755); err != nil {
		return Summary{}, fmt.Errorf("%w: mkdir %q: %w", ErrArchive, dstRoot, err)
	}

	z.Logger.Info("restore started", "input", input, "output", dstRoot, "files", len(files))
	z.Publisher.JobStarted(events.RestoreProgress, len(files))

	var processed, skipped atomic.Int64
	var bytesRead atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(z.Workers)
	for _, rel := range files {
		g.Go(func() error {
			src := filepath.Join(input, rel)
			if !strings.HasSuffix(rel, ZstdExt) {
				skipped.Add(1)
				z.Publisher.Publish(events.RestoreProgress, events.Message{
					Message: "[skipped] " + src,
				})
				return nil
			}
			dst := filepath.Join(dstRoot, strings.TrimSuffix(rel, ZstdExt))
			n, err := decompressFile(gctx, src, dst)
			if err != nil {
				return fmt.Errorf("decompress %s: %w", src, err)
			}
			processed.Add(1)
			bytesRead.Add(n)
			z.Publisher.Publish(events.RestoreProgress, events.Message{
				Message: "[decompressed] " + dst,
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		z.Logger.Error("restore failed", "input", input, "error", err.Error())
		return Summary{}, fmt.Errorf("%w: %w", ErrArchive, err)
	}

	summary := Summary{
		Job:       "Restore",
		Files:     len(files),
		Processed: int(processed.Load()),
		Skipped:   int(skipped.Load()),
		BytesRead: bytesRead.Load(),
		Duration:  time.Since(start),
	}
	z.Logger.Info("restore completed",
		"input", input,
		"output", dstRoot,
		"processed", summary.Processed,
		"duration", summary.Duration.String(),
	)
	return summary, nil
}

func decompressFile(ctx context.Context, src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	dec, err := zstd.NewReader(ctxReader{ctx: ctx, r: in}, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	pf, err := renameio.TempFile("", dst)
	if err != nil {
		return 0, err
	}
	defer pf.Cleanup()

	if _, err := io.Copy(pf, dec); err != nil {
		return 0, err
	}
	info, err := in.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), pf.CloseAtomicallyReplace()
}

// upToDate reports whether dst already holds the current content of src.
func upToDate(src, dst string, since time.Time) bool {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return false
	}
	dstInfo, err := os.Stat(dst)
	if err != nil {
		return false
	}
	mod := srcInfo.ModTime()
	return !mod.After(since) && !mod.After(dstInfo.ModTime())
}

type nopPublisher struct{}

func (nopPublisher) JobStarted(string, int)          {}
func (nopPublisher) Publish(string, events.Message) {}
