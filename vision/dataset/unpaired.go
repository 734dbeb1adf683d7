package dataset

import (
	"fmt"

	"github.com/pkg/errors"
)

// UnpairedDataset pairs two independently sized domains by index. Index i
// maps to (A[i mod len(A)], B[i mod len(B)]), so an epoch of
// max(len(A), len(B)) indices visits every image of the longer domain once
// and wraps around the shorter one.
type UnpairedDataset struct {
	domainA *DomainCollection
	domainB *DomainCollection
}

// NewUnpairedDataset pairs domain A with domain B
func NewUnpairedDataset(a, b *DomainCollection) (*UnpairedDataset, error) {
	if a == nil || a.Len() == 0 {
		return nil, errors.Wrap(ErrEmptyCollection, "domain A")
	}
	if b == nil || b.Len() == 0 {
		return nil, errors.Wrap(ErrEmptyCollection, "domain B")
	}
	return &UnpairedDataset{domainA: a, domainB: b}, nil
}

// NewUnpairedDatasetFromDirs lists both domain directories
func NewUnpairedDatasetFromDirs(dirA, dirB string) (*UnpairedDataset, error) {
	a, err := NewDomainCollection("A", dirA, nil)
	if err != nil {
		return nil, err
	}
	b, err := NewDomainCollection("B", dirB, nil)
	if err != nil {
		return nil, err
	}
	return NewUnpairedDataset(a, b)
}

// Len returns max(len(A), len(B))
func (d *UnpairedDataset) Len() int {
	if d.domainA.Len() > d.domainB.Len() {
		return d.domainA.Len()
	}
	return d.domainB.Len()
}

// Sample returns the image paths paired at index
func (d *UnpairedDataset) Sample(index int) (string, string, error) {
	if index < 0 || index >= d.Len() {
		return "", "", errors.Wrapf(ErrIndexOutOfRange, "index %d out of range [0, %d)", index, d.Len())
	}
	a, err := d.domainA.GetItem(index % d.domainA.Len())
	if err != nil {
		return "", "", err
	}
	b, err := d.domainB.GetItem(index % d.domainB.Len())
	if err != nil {
		return "", "", err
	}
	return a, b, nil
}

func (d *UnpairedDataset) DomainA() *DomainCollection {
	return d.domainA
}

func (d *UnpairedDataset) DomainB() *DomainCollection {
	return d.domainB
}

func (d *UnpairedDataset) String() string {
	return fmt.Sprintf("UnpairedDataset: %d samples (A=%d, B=%d)", d.Len(), d.domainA.Len(), d.domainB.Len())
}
