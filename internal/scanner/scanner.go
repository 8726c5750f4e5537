// Package scanner builds the directory tree served to clients.
//
// A scan walks the requested directory with an explicit work stack, keeps
// directories and .json files, and attaches the extData of every file.
// Extraction runs on a bounded pool; ordering is restored by sorting each
// directory's children once the pool drains, so the result does not depend
// on listing or completion order.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jsonkit/jsonkit/internal/extdata"
	"github.com/jsonkit/jsonkit/internal/metrics"
	"github.com/jsonkit/jsonkit/internal/pathrules"
	"github.com/jsonkit/jsonkit/internal/tree"
)

// Config holds scanner configuration.
type Config struct {
	// Root is the directory clients may browse. Required.
	Root string

	// Excluded lists roots that must never be served (the static asset
	// directory). Paths inside them are rejected or skipped.
	Excluded []string

	// Cache computes extData. Nil disables extraction.
	Cache *extdata.Cache

	// Parallelism bounds concurrent file extraction (default: GOMAXPROCS).
	Parallelism int

	// Logger for skipped entries (default: slog.Default()).
	Logger *slog.Logger
}

// Scanner produces tree.Node graphs for directories under its root.
type Scanner struct {
	root     string
	excluded []string

	// Symlink-resolved forms of root and excluded.
	realRoot     string
	realExcluded []string

	cache       *extdata.Cache
	parallelism int
	logger      *slog.Logger
}

// New creates a scanner for cfg.Root.
func New(cfg Config) (*Scanner, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("root cannot be empty")
	}
	root, err := pathrules.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}

	excluded := make([]string, 0, len(cfg.Excluded))
	realExcluded := make([]string, 0, len(cfg.Excluded))
	for _, p := range cfg.Excluded {
		if p == "" {
			continue
		}
		abs, err := pathrules.Abs(p)
		if err != nil {
			return nil, err
		}
		excluded = append(excluded, abs)
		realExcluded = append(realExcluded, pathrules.Real(abs))
	}

	if cfg.Parallelism <= 0 {
		cfg.Parallelism = runtime.GOMAXPROCS(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Scanner{
		root:         root,
		excluded:     excluded,
		realRoot:     pathrules.Real(root),
		realExcluded: realExcluded,
		cache:        cfg.Cache,
		parallelism:  cfg.Parallelism,
		logger:       cfg.Logger,
	}, nil
}

// Root returns the absolute root directory.
func (s *Scanner) Root() string {
	return s.root
}

// Check resolves p and verifies that it may be served. Both the path as
// given and its symlink-resolved target must lie inside the root, so a
// link inside the root cannot reach files outside it.
// Returns an error wrapping tree.ErrAccessDenied otherwise.
func (s *Scanner) Check(p string) (string, error) {
	abs, err := pathrules.Abs(p)
	if err != nil {
		return "", err
	}
	if !pathrules.Contains(s.root, abs) {
		return "", fmt.Errorf("%s is outside %s: %w", abs, s.root, tree.ErrAccessDenied)
	}
	resolved := pathrules.Real(abs)
	if !pathrules.Contains(s.realRoot, resolved) {
		return "", fmt.Errorf("%s resolves to %s outside %s: %w", abs, resolved, s.root, tree.ErrAccessDenied)
	}
	if s.isExcluded(abs, resolved) {
		return "", fmt.Errorf("%s is inside an excluded root: %w", abs, tree.ErrAccessDenied)
	}
	return abs, nil
}

func (s *Scanner) isExcluded(abs, resolved string) bool {
	for i, ex := range s.excluded {
		if pathrules.Contains(ex, abs) || pathrules.Contains(s.realExcluded[i], resolved) {
			return true
		}
	}
	return false
}

// List returns the sorted children of the directory at p. This is the body
// of the directory listing response.
func (s *Scanner) List(ctx context.Context, p string) ([]*tree.Node, error) {
	node, err := s.Scan(ctx, p)
	if err != nil {
		return nil, err
	}
	return node.Children, nil
}

type job struct {
	node   *tree.Node
	parent *tree.Node
}

// Scan builds the tree rooted at p.
//
// Errors wrap tree.ErrAccessDenied, tree.ErrNotFound or tree.ErrIO and only
// concern p itself. Unlistable subdirectories are omitted and unparseable
// files are listed without extData.
func (s *Scanner) Scan(ctx context.Context, p string) (*tree.Node, error) {
	start := time.Now()

	abs, err := s.Check(p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, pathError(abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory: %w", abs, tree.ErrIO)
	}

	// Symlinks are never followed below abs, so a child's resolved path is
	// its path relative to abs joined onto abs's resolved form.
	realBase := pathrules.Real(abs)

	root := tree.NewDir(filepath.Base(abs), abs)
	extract := s.cache != nil && s.cache.Enabled()

	var g errgroup.Group
	g.SetLimit(s.parallelism)

	var dirs []*tree.Node
	nodes := 0
	stack := []job{{node: root}}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			_ = g.Wait()
			return nil, err
		}

		j := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(j.node.Key)
		if err != nil {
			if j.parent == nil {
				_ = g.Wait()
				return nil, pathError(j.node.Key, err)
			}
			s.logger.Warn("skipping unreadable directory",
				slog.String("path", j.node.Key),
				slog.String("error", err.Error()))
			continue
		}

		if j.parent != nil {
			j.parent.Children = append(j.parent.Children, j.node)
		}
		dirs = append(dirs, j.node)
		nodes++

		for _, entry := range entries {
			name := entry.Name()
			if pathrules.IsHidden(name) {
				continue
			}
			full := filepath.Join(j.node.Key, name)
			rel, _ := filepath.Rel(abs, full)
			if s.isExcluded(full, filepath.Join(realBase, rel)) {
				continue
			}

			switch typ := entry.Type(); {
			case typ&fs.ModeSymlink != 0:
				continue
			case entry.IsDir():
				stack = append(stack, job{node: tree.NewDir(name, full), parent: j.node})
			case typ.IsRegular() && pathrules.IsJSON(name):
				file := tree.NewFile(name, full, nil)
				j.node.Children = append(j.node.Children, file)
				nodes++
				if extract {
					g.Go(func() error {
						file.ExtData = s.extract(full)
						return nil
					})
				}
			}
		}
	}

	_ = g.Wait()
	for _, d := range dirs {
		d.SortChildren()
	}

	metrics.RecordScan(nodes, time.Since(start))
	s.logger.Debug("scan complete",
		slog.String("path", abs),
		slog.Int("nodes", nodes),
		slog.Duration("elapsed", time.Since(start)))
	return root, nil
}

func (s *Scanner) extract(path string) tree.ExtData {
	values, err := s.cache.File(path)
	if err != nil {
		metrics.RecordExtractFailure()
		s.logger.Warn("extData unavailable",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return nil
	}
	return values
}

func pathError(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", path, tree.ErrNotFound)
	}
	return fmt.Errorf("%s: %v: %w", path, err, tree.ErrIO)
}
