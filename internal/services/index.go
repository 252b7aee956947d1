package services

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bobby-s-dev/weather-radio/internal/models"
	"go.uber.org/zap"
)

var ErrEmptyIndex = errors.New("no tracks found")

// IndexOptions tunes which files are indexed. The key is always the first
// models.CompositeKeyWidth characters of the filename.
type IndexOptions struct {
	// ReservedPrefix marks files that share the directory but are not tracks.
	ReservedPrefix string
}

func DefaultIndexOptions() IndexOptions {
	return IndexOptions{ReservedPrefix: "REA"}
}

// ResourceIndex maps composite keys to track files. It is built once and
// never changes afterwards.
type ResourceIndex struct {
	entries map[models.CompositeKey]models.ResourceLocator
	keys    []models.CompositeKey
}

func LoadIndex(dir string, opts IndexOptions, logger *zap.Logger) (*ResourceIndex, error) {
	return BuildIndex(os.DirFS(dir), dir, opts, logger)
}

// BuildIndex lists fsys and joins each accepted filename onto root to form
// its locator.
func BuildIndex(fsys fs.FS, root string, opts IndexOptions, logger *zap.Logger) (*ResourceIndex, error) {
	files, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read track directory %s: %w", root, err)
	}

	idx := &ResourceIndex{entries: make(map[models.CompositeKey]models.ResourceLocator)}
	skipped := 0

	for _, f := range files {
		name := f.Name()
		if f.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if opts.ReservedPrefix != "" && strings.HasPrefix(name, opts.ReservedPrefix) {
			continue
		}
		if len(name) < models.CompositeKeyWidth {
			skipped++
			continue
		}

		key, err := models.ParseCompositeKey(name[:models.CompositeKeyWidth])
		if err != nil {
			logger.Debug("Skipping file without a track key",
				zap.String("file", name),
				zap.Error(err))
			skipped++
			continue
		}

		if existing, dup := idx.entries[key]; dup {
			logger.Warn("Duplicate track key, keeping first",
				zap.String("key", string(key)),
				zap.String("kept", string(existing)),
				zap.String("ignored", name))
			continue
		}
		idx.entries[key] = models.ResourceLocator(filepath.Join(root, name))
		idx.keys = append(idx.keys, key)
	}

	if len(idx.entries) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrEmptyIndex, root)
	}
	sort.Slice(idx.keys, func(i, j int) bool { return idx.keys[i] < idx.keys[j] })

	logger.Info("Track index built",
		zap.String("dir", root),
		zap.Int("tracks", len(idx.entries)),
		zap.Int("skipped", skipped))

	return idx, nil
}

func (i *ResourceIndex) Lookup(key models.CompositeKey) (models.ResourceLocator, bool) {
	loc, ok := i.entries[key]
	return loc, ok
}

func (i *ResourceIndex) Len() int {
	return len(i.entries)
}

func (i *ResourceIndex) Keys() []models.CompositeKey {
	out := make([]models.CompositeKey, len(i.keys))
	copy(out, i.keys)
	return out
}

// Missing lists the keys for weather w that have no track, in hour order.
func (i *ResourceIndex) Missing(w models.WeatherClass) []models.CompositeKey {
	var missing []models.CompositeKey
	for h := 0; h < 24; h++ {
		key := models.NewCompositeKey(w, models.NewHourKey(h))
		if _, ok := i.entries[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}
