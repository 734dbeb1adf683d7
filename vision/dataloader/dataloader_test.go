package dataloader

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/pkg/errors"

	"github.com/tsawler/go-cyclegan/vision/dataset"
	"github.com/tsawler/go-cyclegan/vision/preprocessing"
)

// writePNG writes a solid image whose red channel encodes value
func writePNG(t *testing.T, path string, value uint8) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 6, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 6; x++ {
			img.SetRGBA(x, y, color.RGBA{R: value, G: 0, B: 255, A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

// newTestSource creates two domain directories with na and nb images
func newTestSource(t *testing.T, na, nb int) *dataset.UnpairedDataset {
	t.Helper()
	root := t.TempDir()
	dirA, dirB := filepath.Join(root, "face"), filepath.Join(root, "model")
	for _, d := range []string{dirA, dirB} {
		if err := os.Mkdir(d, 0755); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < na; i++ {
		writePNG(t, filepath.Join(dirA, fmt.Sprintf("a%02d.png", i)), uint8(i*10))
	}
	for i := 0; i < nb; i++ {
		writePNG(t, filepath.Join(dirB, fmt.Sprintf("b%02d.png", i)), uint8(100+i*10))
	}
	ds, err := dataset.NewUnpairedDatasetFromDirs(dirA, dirB)
	if err != nil {
		t.Fatal(err)
	}
	return ds
}

func newTestLoader(t *testing.T, src Source, cfg Config) *DataLoader {
	t.Helper()
	tcfg := preprocessing.DefaultTransformConfig()
	tcfg.Size = 4
	transform, err := preprocessing.NewPairedTransform(tcfg, 1)
	if err != nil {
		t.Fatal(err)
	}
	dl, err := NewDataLoader(src, transform, cfg)
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}
	return dl
}

func collect(t *testing.T, dl *DataLoader, epoch int) []*Batch {
	t.Helper()
	it := dl.Epoch(context.Background(), epoch)
	defer it.Close()

	var batches []*Batch
	for {
		b, err := it.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if b == nil {
			return batches
		}
		batches = append(batches, b)
	}
}

func TestDataLoaderEpoch(t *testing.T) {
	src := newTestSource(t, 2, 5)
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.NumWorkers = 3
	dl := newTestLoader(t, src, cfg)

	if dl.Len() != 3 {
		t.Fatalf("Expected 3 batches, got %d", dl.Len())
	}

	batches := collect(t, dl, 0)
	if len(batches) != 3 {
		t.Fatalf("Expected 3 batches, got %d", len(batches))
	}

	var seen []int
	for i, b := range batches {
		if b.Number != i {
			t.Errorf("Batch %d delivered out of order (number %d)", i, b.Number)
		}
		wantSize := 2
		if i == 2 {
			wantSize = 1
		}
		if b.Size() != wantSize {
			t.Errorf("Batch %d: expected %d samples, got %d", i, wantSize, b.Size())
		}
		if b.A.Shape[0] != wantSize || b.A.Shape[1] != 3 || b.A.Shape[2] != 4 || b.A.Shape[3] != 4 {
			t.Errorf("Batch %d: unexpected shape %v", i, b.A.Shape)
		}
		seen = append(seen, b.Indices...)
	}

	sort.Ints(seen)
	for i, idx := range seen {
		if idx != i {
			t.Fatalf("Epoch should visit every index once, got %v", seen)
		}
	}

	// the order follows the seeded permutation
	order := dl.Order(0)
	if batches[0].Indices[0] != order[0] || batches[2].Indices[0] != order[4] {
		t.Errorf("Batches do not follow Order(0) = %v", order)
	}
}

func TestDataLoaderDeterministic(t *testing.T) {
	src := newTestSource(t, 3, 4)
	cfg := DefaultConfig()
	cfg.BatchSize = 3
	cfg.NumWorkers = 4

	first := collect(t, newTestLoader(t, src, cfg), 2)
	second := collect(t, newTestLoader(t, src, cfg), 2)
	for i := range first {
		for j := range first[i].A.Data {
			if first[i].A.Data[j] != second[i].A.Data[j] || first[i].B.Data[j] != second[i].B.Data[j] {
				t.Fatalf("Batch %d differs between identical runs", i)
			}
		}
	}
}

func TestDataLoaderNoShuffle(t *testing.T) {
	src := newTestSource(t, 2, 3)
	cfg := DefaultConfig()
	cfg.BatchSize = 1
	cfg.Shuffle = false
	dl := newTestLoader(t, src, cfg)

	batches := collect(t, dl, 0)
	for i, b := range batches {
		if b.Indices[0] != i {
			t.Errorf("Expected index %d, got %d", i, b.Indices[0])
		}
	}
}

func TestDataLoaderDropLast(t *testing.T) {
	src := newTestSource(t, 2, 5)
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.DropLast = true
	dl := newTestLoader(t, src, cfg)
	if got := len(collect(t, dl, 0)); got != 2 {
		t.Errorf("Expected 2 full batches, got %d", got)
	}
}

func TestDataLoaderCache(t *testing.T) {
	src := newTestSource(t, 1, 3)
	cfg := DefaultConfig()
	cfg.BatchSize = 3
	cfg.NumWorkers = 1
	cfg.MaxCacheSize = 10
	dl := newTestLoader(t, src, cfg)

	collect(t, dl, 0)
	collect(t, dl, 1)

	stats := dl.GetCacheManager().Stats()
	if stats.Size != 4 {
		t.Errorf("Expected 4 distinct images cached, got %d", stats.Size)
	}
	if stats.Hits == 0 {
		t.Errorf("Expected cache hits on the second epoch")
	}
}

func TestDataLoaderErrors(t *testing.T) {
	t.Run("CorruptImage", func(t *testing.T) {
		src := newTestSource(t, 2, 2)
		path, _, _ := src.Sample(1)
		if err := os.WriteFile(path, []byte("garbage"), 0644); err != nil {
			t.Fatal(err)
		}

		cfg := DefaultConfig()
		cfg.BatchSize = 1
		cfg.Shuffle = false
		dl := newTestLoader(t, src, cfg)

		it := dl.Epoch(context.Background(), 0)
		defer it.Close()
		var err error
		for i := 0; i < 3 && err == nil; i++ {
			var b *Batch
			b, err = it.Next()
			if b == nil && err == nil {
				break
			}
		}
		if err == nil {
			t.Errorf("Expected an error for a corrupt image")
		}
	})

	t.Run("Cancelled", func(t *testing.T) {
		src := newTestSource(t, 2, 2)
		dl := newTestLoader(t, src, DefaultConfig())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		it := dl.Epoch(ctx, 0)
		defer it.Close()
		if _, err := it.Next(); !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	})

	t.Run("BadConfig", func(t *testing.T) {
		src := newTestSource(t, 1, 1)
		transform, _ := preprocessing.NewPairedTransform(preprocessing.DefaultTransformConfig(), 1)
		if _, err := NewDataLoader(src, transform, Config{BatchSize: 0}); err == nil {
			t.Errorf("Expected error for zero batch size")
		}
		if _, err := NewDataLoader(src, nil, DefaultConfig()); err == nil {
			t.Errorf("Expected error for nil transform")
		}
	})
}

func TestCloseWithoutDraining(t *testing.T) {
	src := newTestSource(t, 4, 4)
	cfg := DefaultConfig()
	cfg.BatchSize = 1
	cfg.PrefetchDepth = 1
	dl := newTestLoader(t, src, cfg)

	it := dl.Epoch(context.Background(), 0)
	if _, err := it.Next(); err != nil {
		t.Fatal(err)
	}
	it.Close()
	if _, err := it.Next(); err == nil {
		t.Errorf("Expected an error from a closed iterator")
	}
}
