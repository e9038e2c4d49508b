package infra

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/eliteGoblin/zapretdeck/internal/domain"
)

const strategyExt = ".bat"

// hiddenStrategies are service helpers shipped next to real strategies.
var hiddenStrategies = map[string]bool{
	"check_updates.bat":   true,
	"service_install.bat": true,
	"service_remove.bat":  true,
	"service_status.bat":  true,
	domain.AutoFoundID:    true,
}

// DirStrategyCatalog implements domain.StrategyCatalog over two directories.
// The custom directory is scanned first, so its files win on id collisions.
type DirStrategyCatalog struct {
	customDir  string
	bundledDir string
	group      singleflight.Group
	walk       func(ctx context.Context) ([]domain.Strategy, error)
	logger     *zap.Logger
}

// NewDirStrategyCatalog creates a catalog scanning customDir then bundledDir.
func NewDirStrategyCatalog(customDir, bundledDir string, logger *zap.Logger) *DirStrategyCatalog {
	c := &DirStrategyCatalog{
		customDir:  customDir,
		bundledDir: bundledDir,
		logger:     logger,
	}
	c.walk = c.scan
	return c
}

// List returns visible strategies sorted by id.
func (c *DirStrategyCatalog) List(ctx context.Context) ([]domain.Strategy, error) {
	all, err := c.scanShared(ctx)
	if err != nil {
		return nil, err
	}

	visible := make([]domain.Strategy, 0, len(all))
	for _, s := range all {
		if !s.Hidden {
			visible = append(visible, s)
		}
	}
	return visible, nil
}

// Lookup resolves id among visible strategies and the reserved discovered one.
func (c *DirStrategyCatalog) Lookup(ctx context.Context, id string) (*domain.Strategy, error) {
	all, err := c.scanShared(ctx)
	if err != nil {
		return nil, err
	}

	for _, s := range all {
		if s.ID != id {
			continue
		}
		if s.Hidden && s.ID != domain.AutoFoundID {
			return nil, nil
		}
		found := s
		return &found, nil
	}
	return nil, nil
}

// scanShared collapses concurrent scans into one directory walk. The walk
// does not inherit any caller's cancellation; each caller stops waiting on
// its own ctx instead.
func (c *DirStrategyCatalog) scanShared(ctx context.Context) ([]domain.Strategy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := c.group.DoChan("scan", func() (interface{}, error) {
		return c.walk(context.WithoutCancel(ctx))
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	// Each caller gets its own slice; the shared one must stay untouched.
	shared := res.Val.([]domain.Strategy)
	out := make([]domain.Strategy, len(shared))
	copy(out, shared)
	return out, nil
}

func (c *DirStrategyCatalog) scan(ctx context.Context) ([]domain.Strategy, error) {
	seen := make(map[string]domain.Strategy)

	for _, dir := range []struct {
		path   string
		source domain.StrategySource
	}{
		{c.customDir, domain.SourceCustom},
		{c.bundledDir, domain.SourceBundled},
	} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entries, err := os.ReadDir(dir.path)
		if err != nil {
			if !os.IsNotExist(err) {
				c.logger.Warn("failed to read strategy directory",
					zap.String("dir", dir.path),
					zap.Error(err))
			}
			continue
		}

		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, strategyExt) {
				continue
			}
			if _, dup := seen[name]; dup {
				continue // first seen wins
			}
			seen[name] = domain.Strategy{
				ID:     name,
				Source: dir.source,
				Path:   filepath.Join(dir.path, name),
				Hidden: hiddenStrategies[name],
			}
		}
	}

	result := make([]domain.Strategy, 0, len(seen))
	for _, s := range seen {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Ensure DirStrategyCatalog implements domain.StrategyCatalog.
var _ domain.StrategyCatalog = (*DirStrategyCatalog)(nil)
