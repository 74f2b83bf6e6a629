package whiskers

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeDescriber captions an image with its decoded contents and the hint.
type fakeDescriber struct {
	mu    sync.Mutex
	fail  map[string]bool // image contents that fail to describe
	hints []string
}

func (f *fakeDescriber) Name() string                   { return "fake" }
func (f *fakeDescriber) Model() string                  { return "fake-vision" }
func (f *fakeDescriber) IsHealthy(context.Context) bool { return true }

func (f *fakeDescriber) DescribeImage(_ context.Context, imageB64, hint string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(imageB64)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.hints = append(f.hints, hint)
	f.mu.Unlock()

	if f.fail[string(data)] {
		return "", errors.New("model crashed")
	}
	return hint + " is " + string(data), nil
}

// fakeEmbedder maps text onto a vector counting a few words.
type fakeEmbedder struct{}

func (fakeEmbedder) Model() string { return "fake-embed" }

func (fakeEmbedder) Embeddings(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 3)
	for i, w := range []string{"ginger", "black", "sleeping"} {
		vec[i] = float32(strings.Count(text, w))
	}
	return vec, nil
}

func writeImages(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, contents := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestFindImages(t *testing.T) {
	dir := writeImages(t, map[string]string{
		"tom.jpg":          "a",
		"sub/felix.JPEG":   "b",
		"notes.txt":        "c",
		"sub/garfield.png": "d",
	})

	photos, err := FindImages(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, p := range photos {
		names = append(names, filepath.Base(p))
	}
	slices.Sort(names)
	if expected := []string{"felix.JPEG", "tom.jpg"}; !slices.Equal(expected, names) {
		t.Errorf("Expected %v, got %v", expected, names)
	}
}

func TestLoadLibrary(t *testing.T) {
	dir := writeImages(t, map[string]string{
		"tom.jpg":   "ginger",
		"felix.jpg": "black and sleeping",
	})
	db := newTestDB(t)
	vdb := NewVectorDB(db, fakeEmbedder{})
	d := &fakeDescriber{}

	var progress atomic.Int32
	stats, err := LoadLibrary(t.Context(), d, vdb, dir, LoadOptions{
		Collection:  "cats",
		Concurrency: 2,
		Progress:    func(string, error) { progress.Add(1) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Found != 2 || stats.Loaded != 2 || stats.Failed != 0 || len(stats.IDs) != 2 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if n := progress.Load(); n != 2 {
		t.Errorf("Expected 2 progress calls, got %d", n)
	}

	slices.Sort(d.hints)
	if expected := []string{"felix", "tom"}; !slices.Equal(expected, d.hints) {
		t.Errorf("Expected hints %v, got %v", expected, d.hints)
	}

	hits, err := vdb.VectorSearch(t.Context(), "cats", "a ginger cat", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Text != "tom is ginger" {
		t.Errorf("Unexpected hits %v", hits)
	}
}

func TestLoadLibraryTooManyErrors(t *testing.T) {
	files := map[string]string{}
	fail := map[string]bool{}
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		files[name+".jpg"] = "bad " + name
		fail["bad "+name] = true
	}
	files["good.jpg"] = "ginger"

	dir := writeImages(t, files)
	vdb := NewVectorDB(newTestDB(t), fakeEmbedder{})

	stats, err := LoadLibrary(t.Context(), &fakeDescriber{fail: fail}, vdb, dir, LoadOptions{Collection: "cats"})
	if err == nil {
		t.Fatal("Expected an error after too many failures")
	}
	if stats.Failed < maxLoadErrors {
		t.Errorf("Expected at least %d failures, got %d", maxLoadErrors, stats.Failed)
	}
}
