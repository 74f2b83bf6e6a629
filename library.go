package whiskers

import (
	"context"
	"encoding/base64"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chriskillpack/whiskers/describer"
	"golang.org/x/sync/errgroup"
)

// maxLoadErrors is how many images may fail before LoadLibrary gives up.
const maxLoadErrors = 5

type LoadOptions struct {
	Collection  string
	Concurrency int // defaults to 1

	// Progress, if set, is called once per image after it was processed. err
	// is nil on success. It may be called from several goroutines.
	Progress func(path string, err error)
}

type LoadStats struct {
	Found  int
	Loaded int
	Failed int
	IDs    []string
}

// FindImages returns the JPEG files below root, sorted by path.
func FindImages(root string) ([]string, error) {
	var photos []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".jpg" || ext == ".jpeg" {
			photos = append(photos, path)
		}

		return nil
	})

	return photos, err
}

// LoadLibrary captions every image below dir and inserts the captions in the
// collection. The file name without extension is passed to the describer as
// the name of the cat.
func LoadLibrary(ctx context.Context, d describer.Describer, vdb *VectorDB, dir string, opts LoadOptions) (*LoadStats, error) {
	photos, err := FindImages(dir)
	if err != nil {
		return nil, err
	}

	stats := &LoadStats{Found: len(photos)}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}

	var mu sync.Mutex // protects stats
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	for _, path := range photos {
		g.Go(func() error {
			id, err := loadImage(gctx, d, vdb, opts.Collection, path)
			if opts.Progress != nil {
				opts.Progress(path, err)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failed++
				if stats.Failed >= maxLoadErrors {
					return fmt.Errorf("too many errors, last %s: %w", path, err)
				}
				return nil
			}
			stats.Loaded++
			stats.IDs = append(stats.IDs, id)
			return nil
		})
	}

	return stats, g.Wait()
}

func loadImage(ctx context.Context, d describer.Describer, vdb *VectorDB, collection, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	_, fname := filepath.Split(path)
	catName := strings.TrimSuffix(fname, filepath.Ext(fname))

	description, err := d.DescribeImage(ctx, base64.StdEncoding.EncodeToString(data), catName)
	if err != nil {
		return "", fmt.Errorf("describing %s: %w", fname, err)
	}

	res, err := vdb.Insert(ctx, collection, description)
	if err != nil {
		return "", err
	}
	return strings.Join(res.IDs, ","), nil
}
