package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrEmptyCollection is returned when a domain has no images
	ErrEmptyCollection = errors.New("empty image collection")
	// ErrIndexOutOfRange is returned for indices outside a dataset's length
	ErrIndexOutOfRange = errors.New("index out of range")
)

// DefaultExtensions are the image file extensions picked up from a domain directory
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".bmp"}

// DomainCollection is the ordered list of image paths for one domain.
// Paths are sorted so the order is the same on every run.
type DomainCollection struct {
	name       string
	root       string
	imagePaths []string
}

// NewDomainCollection lists the images directly inside root
func NewDomainCollection(name, root string, extensions []string) (*DomainCollection, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		allowed[strings.ToLower(ext)] = true
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list domain %s", name)
	}

	collection := &DomainCollection{name: name, root: root}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !allowed[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		collection.imagePaths = append(collection.imagePaths, filepath.Join(root, entry.Name()))
	}
	sort.Strings(collection.imagePaths)

	if len(collection.imagePaths) == 0 {
		return nil, errors.Wrapf(ErrEmptyCollection, "no images found for domain %s in %s", name, root)
	}
	return collection, nil
}

// NewDomainCollectionFromPaths builds a collection from an explicit list
func NewDomainCollectionFromPaths(name string, paths []string) (*DomainCollection, error) {
	if len(paths) == 0 {
		return nil, errors.Wrapf(ErrEmptyCollection, "domain %s", name)
	}
	imagePaths := make([]string, len(paths))
	copy(imagePaths, paths)
	return &DomainCollection{name: name, imagePaths: imagePaths}, nil
}

// Len returns the number of items in the collection
func (d *DomainCollection) Len() int {
	return len(d.imagePaths)
}

func (d *DomainCollection) Name() string {
	return d.name
}

func (d *DomainCollection) Root() string {
	return d.root
}

// GetItem returns the image path at the given index
func (d *DomainCollection) GetItem(index int) (string, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", errors.Wrapf(ErrIndexOutOfRange, "index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], nil
}

// Subset creates a collection with the specified indices
func (d *DomainCollection) Subset(indices []int) (*DomainCollection, error) {
	subset := &DomainCollection{
		name:       d.name,
		root:       d.root,
		imagePaths: make([]string, len(indices)),
	}
	for i, idx := range indices {
		path, err := d.GetItem(idx)
		if err != nil {
			return nil, err
		}
		subset.imagePaths[i] = path
	}
	if len(subset.imagePaths) == 0 {
		return nil, errors.Wrapf(ErrEmptyCollection, "empty subset of domain %s", d.name)
	}
	return subset, nil
}

// String returns a string representation of the collection
func (d *DomainCollection) String() string {
	return fmt.Sprintf("DomainCollection(%s): %d images", d.name, len(d.imagePaths))
}
