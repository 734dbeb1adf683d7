package dataloader

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-cyclegan/tensor"
	"github.com/tsawler/go-cyclegan/vision/preprocessing"
)

// Source pairs two image paths for every index in [0, Len())
type Source interface {
	Len() int
	Sample(index int) (pathA, pathB string, err error)
}

// Batch holds a stacked batch of paired images in NCHW layout
type Batch struct {
	Epoch   int
	Number  int   // position of the batch within the epoch
	Indices []int // source indices, in batch order
	A       *tensor.Tensor
	B       *tensor.Tensor
}

// Size returns the number of samples in the batch
func (b *Batch) Size() int {
	return len(b.Indices)
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize     int
	Shuffle       bool
	DropLast      bool
	NumWorkers    int   // goroutines loading batches
	PrefetchDepth int   // batches buffered ahead of the consumer
	MaxCacheSize  int   // prepared images kept in memory, 0 disables caching
	Seed          int64 // drives shuffling and augmentation
	CacheManager  *CacheManager
}

// DefaultConfig returns the stock loader settings
func DefaultConfig() Config {
	return Config{
		BatchSize:     24,
		Shuffle:       true,
		NumWorkers:    12,
		PrefetchDepth: 2,
		MaxCacheSize:  0,
		Seed:          1,
	}
}

// DataLoader produces shuffled batches of transformed image pairs. Batches
// are assembled by a pool of workers ahead of the consumer and delivered in
// order, so the sequence of batches depends only on the seed and epoch.
type DataLoader struct {
	source    Source
	transform *preprocessing.PairedTransform
	config    Config

	cacheManager *CacheManager
	loadImage    func(path string) ([]float32, error)
}

// NewDataLoader creates a new data loader
func NewDataLoader(source Source, transform *preprocessing.PairedTransform, config Config) (*DataLoader, error) {
	if source == nil || source.Len() == 0 {
		return nil, fmt.Errorf("data source is empty")
	}
	if transform == nil {
		return nil, fmt.Errorf("transform cannot be nil")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 2
	}

	size := transform.Config().Size
	cacheManager := config.CacheManager
	if cacheManager == nil && config.MaxCacheSize > 0 {
		cacheManager = NewCacheManager(config.MaxCacheSize, 3*size*size)
	}

	dl := &DataLoader{
		source:       source,
		transform:    transform,
		config:       config,
		cacheManager: cacheManager,
	}
	dl.loadImage = dl.loadFromDisk
	return dl, nil
}

// Len returns the number of batches per epoch
func (dl *DataLoader) Len() int {
	n := dl.source.Len()
	if dl.config.DropLast {
		return n / dl.config.BatchSize
	}
	return (n + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// NumSamples returns the number of samples per epoch
func (dl *DataLoader) NumSamples() int {
	return dl.source.Len()
}

func (dl *DataLoader) BatchSize() int {
	return dl.config.BatchSize
}

// Order returns the sample order for epoch
func (dl *DataLoader) Order(epoch int) []int {
	n := dl.source.Len()
	if !dl.config.Shuffle {
		indices := make([]int, n)
		for i := range indices {
			indices[i] = i
		}
		return indices
	}
	return rand.New(rand.NewSource(dl.config.Seed + int64(epoch))).Perm(n)
}

// Stats returns cache statistics
func (dl *DataLoader) Stats() string {
	if dl.cacheManager == nil {
		return "Cache: disabled"
	}
	return dl.cacheManager.Stats().String()
}

// GetCacheManager returns the cache manager, or nil when caching is disabled
func (dl *DataLoader) GetCacheManager() *CacheManager {
	return dl.cacheManager
}

type batchResult struct {
	batch *Batch
	err   error
}

type batchJob struct {
	number  int
	indices []int
	result  chan batchResult
}

// EpochIterator delivers the batches of one epoch
type EpochIterator struct {
	pending chan chan batchResult
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	done    bool
}

// Epoch starts the workers for one epoch. The caller must Close the
// iterator, and should drain it with Next until it returns a nil batch.
func (dl *DataLoader) Epoch(ctx context.Context, epoch int) *EpochIterator {
	ctx, cancel := context.WithCancel(ctx)
	it := &EpochIterator{
		pending: make(chan chan batchResult, dl.config.PrefetchDepth),
		ctx:     ctx,
		cancel:  cancel,
	}

	order := dl.Order(epoch)
	jobs := make(chan batchJob)

	for w := 0; w < dl.config.NumWorkers; w++ {
		it.wg.Add(1)
		go func() {
			defer it.wg.Done()
			for job := range jobs {
				batch, err := dl.loadBatch(epoch, job.number, job.indices)
				job.result <- batchResult{batch: batch, err: err}
			}
		}()
	}

	it.wg.Add(1)
	go func() {
		defer it.wg.Done()
		defer close(jobs)
		defer close(it.pending)

		for number := 0; number < dl.Len(); number++ {
			start := number * dl.config.BatchSize
			end := start + dl.config.BatchSize
			if end > len(order) {
				end = len(order)
			}
			job := batchJob{number: number, indices: order[start:end], result: make(chan batchResult, 1)}

			// reserve the slot first so batches come out in order
			select {
			case it.pending <- job.result:
			case <-ctx.Done():
				return
			}
			select {
			case jobs <- job:
			case <-ctx.Done():
				return
			}
		}
	}()

	return it
}

// Next blocks until the next batch is ready. It returns a nil batch and nil
// error once the epoch is exhausted.
func (it *EpochIterator) Next() (*Batch, error) {
	if it.done {
		return nil, nil
	}
	if err := it.ctx.Err(); err != nil {
		it.done = true
		return nil, err
	}
	select {
	case slot, ok := <-it.pending:
		if !ok {
			it.done = true
			if err := it.ctx.Err(); err != nil {
				return nil, err
			}
			return nil, nil
		}
		select {
		case res := <-slot:
			if res.err != nil {
				it.done = true
				it.cancel()
			}
			return res.batch, res.err
		case <-it.ctx.Done():
			it.done = true
			return nil, it.ctx.Err()
		}
	case <-it.ctx.Done():
		it.done = true
		return nil, it.ctx.Err()
	}
}

// Close stops the workers and waits for them to exit
func (it *EpochIterator) Close() {
	it.cancel()
	// unblock the producer and any worker waiting on an abandoned slot
	go func() {
		for range it.pending {
		}
	}()
	it.wg.Wait()
}

func (dl *DataLoader) loadBatch(epoch, number int, indices []int) (*Batch, error) {
	size := dl.transform.Config().Size
	per := 3 * size * size
	dataA := make([]float32, len(indices)*per)
	dataB := make([]float32, len(indices)*per)

	for i, idx := range indices {
		a, b, err := dl.LoadSample(epoch, idx)
		if err != nil {
			return nil, err
		}
		copy(dataA[i*per:(i+1)*per], a.Data)
		copy(dataB[i*per:(i+1)*per], b.Data)
	}

	shape := []int{len(indices), 3, size, size}
	ta, err := tensor.NewTensor(shape, dataA)
	if err != nil {
		return nil, err
	}
	tb, err := tensor.NewTensor(shape, dataB)
	if err != nil {
		return nil, err
	}
	ids := make([]int, len(indices))
	copy(ids, indices)
	return &Batch{Epoch: epoch, Number: number, Indices: ids, A: ta, B: tb}, nil
}

// LoadSample loads and transforms the pair at index. The augmentation is
// seeded by (seed, epoch, index), so it does not depend on which worker
// loads the sample.
func (dl *DataLoader) LoadSample(epoch, index int) (*tensor.Tensor, *tensor.Tensor, error) {
	pathA, pathB, err := dl.source.Sample(index)
	if err != nil {
		return nil, nil, err
	}
	a, err := dl.loadWithCache(pathA)
	if err != nil {
		return nil, nil, err
	}
	b, err := dl.loadWithCache(pathB)
	if err != nil {
		return nil, nil, err
	}
	rng := rand.New(rand.NewSource(sampleSeed(dl.config.Seed, epoch, index)))
	ta, tb, err := dl.transform.PairPrepared(rng, a, b)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "sample %d (%s, %s)", index, pathA, pathB)
	}
	return ta, tb, nil
}

func sampleSeed(seed int64, epoch, index int) int64 {
	return seed*1_000_003 + int64(epoch)*7_919_993 + int64(index)
}

// loadWithCache loads an image with caching support
func (dl *DataLoader) loadWithCache(path string) ([]float32, error) {
	if dl.cacheManager != nil {
		if cachedData, exists := dl.cacheManager.Get(path); exists {
			return cachedData, nil
		}
	}

	data, err := dl.loadImage(path)
	if err != nil {
		return nil, err
	}

	if dl.cacheManager != nil {
		dl.cacheManager.Put(path, data)
	}
	return data, nil
}

func (dl *DataLoader) loadFromDisk(path string) ([]float32, error) {
	img, err := preprocessing.LoadImage(path)
	if err != nil {
		return nil, err
	}
	return dl.transform.Prepare(img), nil
}
