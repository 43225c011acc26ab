package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint hashes the tree below path: every relative name in walk order
// and the content of every regular file. Any change to a name, a type or a
// byte of content produces a different value.
func (z *Zstd) Fingerprint(ctx context.Context, path string) (string, error) {
	h := xxhash.New()
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		kind := "f"
		switch {
		case d.IsDir():
			kind = "d"
		case !d.Type().IsRegular():
			kind = "o"
		}
		if kind != "f" {
			fmt.Fprintf(h, "%s\x00%s\x00", kind, filepath.ToSlash(rel))
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		fmt.Fprintf(h, "%s\x00%s\x00%d\x00", kind, filepath.ToSlash(rel), info.Size())
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(h, ctxReader{ctx: ctx, r: f})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%w: fingerprint %s: %w", ErrArchive, path, err)
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}
