package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

// Markers prefixed to nodes by CompareTree.
const (
	MarkNew     = "[NEW]"
	MarkChanged = "[CHANGED]"
)

// Node is one file or directory of a Tree.
type Node struct {
	Name     string
	Dir      bool
	Mark     string
	Children []*Node
}

// Tree is a rendered-on-demand view of a directory.
type Tree struct {
	Root *Node
}

func (t Tree) String() string {
	if t.Root == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(t.Root.Name)
	b.WriteByte('\n')
	writeChildren(&b, t.Root.Children, "")
	return b.String()
}

func writeChildren(b *strings.Builder, nodes []*Node, prefix string) {
	for i, n := range nodes {
		branch, next := "├── ", "│   "
		if i == len(nodes)-1 {
			branch, next = "└── ", "    "
		}
		b.WriteString(prefix)
		b.WriteString(branch)
		if n.Mark != "" {
			b.WriteString(n.Mark)
			b.WriteByte(' ')
		}
		b.WriteString(n.Name)
		b.WriteByte('\n')
		writeChildren(b, n.Children, prefix+next)
	}
}

// marker decides the mark of a file node; rel is relative to the tree root.
type marker func(rel string, d fs.DirEntry) (string, error)

// buildTree walks root and returns its tree and number of regular files.
func buildTree(ctx context.Context, root string, mark marker) (Tree, int, error) {
	top := &Node{Name: root, Dir: true}
	dirs := map[string]*Node{".": top}
	count := 0

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		n := &Node{Name: d.Name(), Dir: d.IsDir()}
		if mark != nil {
			if n.Mark, err = mark(rel, d); err != nil {
				return err
			}
		}
		parent := dirs[filepath.Dir(rel)]
		parent.Children = append(parent.Children, n)
		if d.IsDir() {
			dirs[rel] = n
		} else if d.Type().IsRegular() {
			count++
		}
		return nil
	})
	if err != nil {
		return Tree{}, 0, err
	}
	return Tree{Root: top}, count, nil
}

// FilesTree returns the directory tree of path and its regular file count.
func (z *Zstd) FilesTree(ctx context.Context, path string) (Tree, int, error) {
	tree, count, err := buildTree(ctx, path, nil)
	if err != nil {
		return Tree{}, 0, fmt.Errorf("%w: scan %s: %w", ErrArchive, path, err)
	}
	return tree, count, nil
}

// CompareTree returns the tree of input with every entry missing from the
// backup at output/<base(input)> marked [NEW] and every file whose content
// differs from its decompressed copy marked [CHANGED].
func (z *Zstd) CompareTree(ctx context.Context, input, output string) (Tree, int, error) {
	backupRoot := filepath.Join(output, filepath.Base(filepath.Clean(input)))
	mark := func(rel string, d fs.DirEntry) (string, error) {
		if d.IsDir() {
			if _, err := os.Stat(filepath.Join(backupRoot, rel)); err != nil {
				return MarkNew, nil
			}
			return "", nil
		}
		if !d.Type().IsRegular() {
			return "", nil
		}
		dst := filepath.Join(backupRoot, rel) + ZstdExt
		if _, err := os.Stat(dst); errors.Is(err, fs.ErrNotExist) {
			return MarkNew, nil
		}
		same, err := sameContent(ctx, filepath.Join(input, rel), dst)
		if err != nil {
			return "", err
		}
		if !same {
			return MarkChanged, nil
		}
		return "", nil
	}

	tree, count, err := buildTree(ctx, input, mark)
	if err != nil {
		return Tree{}, 0, fmt.Errorf("%w: compare %s with %s: %w", ErrArchive, input, backupRoot, err)
	}
	return tree, count, nil
}

// sameContent compares the xxhash of a plain file with that of the decoded
// zstd copy.
func sameContent(ctx context.Context, plain, compressed string) (bool, error) {
	want, err := hashFile(ctx, plain, false)
	if err != nil {
		return false, err
	}
	got, err := hashFile(ctx, compressed, true)
	if err != nil {
		// A copy that cannot be decoded no longer matches its source.
		if errors.Is(err, errCorrupt) {
			return false, nil
		}
		return false, err
	}
	return want == got, nil
}

var errCorrupt = errors.New("corrupt compressed file")

func hashFile(ctx context.Context, path string, compressed bool) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var r io.Reader = ctxReader{ctx: ctx, r: f}
	if compressed {
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return 0, err
		}
		defer dec.Close()
		h := xxhash.New()
		if _, err := io.Copy(h, dec); err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, fmt.Errorf("%w: %s: %v", errCorrupt, path, err)
		}
		return h.Sum64(), nil
	}
	h := xxhash.New()
	if _, err := io.Copy(h, r); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}
