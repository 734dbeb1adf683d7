package training

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-cyclegan/layers"
	"github.com/tsawler/go-cyclegan/tensor"
)

// LossWeights scales the auxiliary generator terms
type LossWeights struct {
	Cycle       float32
	Identity    float32
	UseIdentity bool
}

// DefaultLossWeights uses λ=10 for both terms with the identity term off
func DefaultLossWeights() LossWeights {
	return LossWeights{Cycle: 10, Identity: 10}
}

// Quartet is the four networks trained together. GenA2B maps domain A
// images into domain B and DiscB judges domain B; the B2A side mirrors it.
type Quartet struct {
	GenA2B layers.Module
	GenB2A layers.Module
	DiscA  layers.Module
	DiscB  layers.Module
}

// Validate checks that all four networks are present
func (q Quartet) Validate() error {
	for name, m := range map[string]layers.Module{
		"GenA2B": q.GenA2B, "GenB2A": q.GenB2A, "DiscA": q.DiscA, "DiscB": q.DiscB,
	} {
		if m == nil {
			return errors.Errorf("model quartet is missing %s", name)
		}
	}
	return nil
}

// GeneratorParameters returns the parameters of both translators
func (q Quartet) GeneratorParameters() []*tensor.Tensor {
	return append(append([]*tensor.Tensor(nil), q.GenA2B.Parameters()...), q.GenB2A.Parameters()...)
}

// DiscriminatorParameters returns the parameters of both discriminators
func (q Quartet) DiscriminatorParameters() []*tensor.Tensor {
	return append(append([]*tensor.Tensor(nil), q.DiscA.Parameters()...), q.DiscB.Parameters()...)
}

// DiscriminatorResult is one discriminator's least-squares loss together
// with its mean scores on the real and fake batches
type DiscriminatorResult struct {
	Loss      *tensor.Tensor
	RealScore float64
	FakeScore float64
}

// DiscriminatorLoss computes mse(D(real), 1) + mse(D(fake), 0). The fake
// batch is cut from the tape first, so no gradient reaches the generator.
func DiscriminatorLoss(d layers.Module, real, fake *tensor.Tensor) (*DiscriminatorResult, error) {
	realScores, err := d.Forward(real)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s on real batch", d.Name())
	}
	fakeScores, err := d.Forward(tensor.StopGradient(fake))
	if err != nil {
		return nil, errors.WithMessagef(err, "%s on fake batch", d.Name())
	}

	realLoss, err := tensor.MeanSquaredError(realScores, tensor.OnesLike(realScores))
	if err != nil {
		return nil, err
	}
	fakeLoss, err := tensor.MeanSquaredError(fakeScores, tensor.ZerosLike(fakeScores))
	if err != nil {
		return nil, err
	}
	loss, err := tensor.Add(realLoss, fakeLoss)
	if err != nil {
		return nil, err
	}
	return &DiscriminatorResult{
		Loss:      loss,
		RealScore: meanOf(realScores),
		FakeScore: meanOf(fakeScores),
	}, nil
}

// CombineDiscriminatorLosses averages the two discriminator losses
func CombineDiscriminatorLosses(a, b *DiscriminatorResult) (*tensor.Tensor, error) {
	sum, err := tensor.Add(a.Loss, b.Loss)
	if err != nil {
		return nil, err
	}
	return tensor.Scale(sum, 0.5), nil
}

// GeneratorResult holds the total generator loss and its unweighted terms
type GeneratorResult struct {
	Total *tensor.Tensor

	AdversarialA2B float64 // mse(DiscB(fakeB), 1)
	AdversarialB2A float64 // mse(DiscA(fakeA), 1)
	CycleA         float64 // L1(a, GenB2A(fakeB))
	CycleB         float64 // L1(b, GenA2B(fakeA))
	IdentityA      float64 // L1(a, GenB2A(a)), zero when disabled
	IdentityB      float64 // L1(b, GenA2B(b)), zero when disabled
}

// Value returns the scalar total loss
func (r *GeneratorResult) Value() float64 {
	return float64(r.Total.Data[0])
}

// GeneratorLoss composes the adversarial, cycle and optional identity terms
// for both translators. fakeB = GenA2B(realA) and fakeA = GenB2A(realB) must
// still be attached to the tape so the adversarial terms reach the
// translators.
func GeneratorLoss(q Quartet, realA, realB, fakeB, fakeA *tensor.Tensor, w LossWeights) (*GeneratorResult, error) {
	res := &GeneratorResult{}

	advB, err := adversarial(q.DiscB, fakeB)
	if err != nil {
		return nil, err
	}
	advA, err := adversarial(q.DiscA, fakeA)
	if err != nil {
		return nil, err
	}
	res.AdversarialA2B, res.AdversarialB2A = meanOf(advB), meanOf(advA)
	total, err := tensor.Add(advB, advA)
	if err != nil {
		return nil, err
	}

	cycleA, err := reconstruction(q.GenB2A, fakeB, realA)
	if err != nil {
		return nil, err
	}
	cycleB, err := reconstruction(q.GenA2B, fakeA, realB)
	if err != nil {
		return nil, err
	}
	res.CycleA, res.CycleB = meanOf(cycleA), meanOf(cycleB)
	if total, err = addWeighted(total, cycleA, cycleB, w.Cycle); err != nil {
		return nil, err
	}

	if w.UseIdentity {
		idA, err := reconstruction(q.GenB2A, realA, realA)
		if err != nil {
			return nil, err
		}
		idB, err := reconstruction(q.GenA2B, realB, realB)
		if err != nil {
			return nil, err
		}
		res.IdentityA, res.IdentityB = meanOf(idA), meanOf(idB)
		if total, err = addWeighted(total, idA, idB, w.Identity); err != nil {
			return nil, err
		}
	}

	res.Total = total
	return res, nil
}

// adversarial is mse(D(fake), 1)
func adversarial(d layers.Module, fake *tensor.Tensor) (*tensor.Tensor, error) {
	scores, err := d.Forward(fake)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s on generated batch", d.Name())
	}
	return tensor.MeanSquaredError(scores, tensor.OnesLike(scores))
}

// reconstruction is L1(target, g(input))
func reconstruction(g layers.Module, input, target *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := g.Forward(input)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s reconstruction", g.Name())
	}
	return tensor.MeanAbsoluteError(target, out)
}

// addWeighted returns total + weight*a + weight*b
func addWeighted(total, a, b *tensor.Tensor, weight float32) (*tensor.Tensor, error) {
	total, err := tensor.Add(total, tensor.Scale(a, weight))
	if err != nil {
		return nil, err
	}
	return tensor.Add(total, tensor.Scale(b, weight))
}

func meanOf(t *tensor.Tensor) float64 {
	if t.NumElems == 0 {
		return 0
	}
	var sum float64
	for _, v := range t.Data {
		sum += float64(v)
	}
	return sum / float64(t.NumElems)
}
