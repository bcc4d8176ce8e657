package challenge

import (
	"context"
	randv2 "math/rand/v2"
	"time"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/cdn"
)

const handwritingSampleCount = 5

// HandwritingBuilder shows up to five samples of one class and asks the
// visitor to write the class name. AnswerClasses widens what counts as
// correct per class ("금붕어" also accepts "물고기"); a class without a
// mapping accepts only itself.
type HandwritingBuilder struct {
	Manifests     ManifestSource
	Resolver      cdn.Resolver
	AnswerClasses map[string][]string
}

func (b *HandwritingBuilder) Build(ctx context.Context) (*Challenge, error) {
	classes, err := b.Manifests.Classes(ctx)
	if err != nil {
		return nil, err
	}
	if len(classes) == 0 {
		return nil, ErrUnavailable
	}

	target := classes[randv2.IntN(len(classes))]

	keys, err := b.Manifests.Keys(ctx, target)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, ErrUnavailable
	}

	randv2.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	keys = keys[:min(handwritingSampleCount, len(keys))]

	samples := make([]string, 0, len(keys))
	for _, key := range keys {
		url, err := b.Resolver.URL(ctx, key)
		if err != nil {
			return nil, err
		}
		samples = append(samples, url)
	}

	answers := b.AnswerClasses[target]
	if len(answers) == 0 {
		answers = []string{target}
	}

	return &Challenge{
		ID:            newChallengeID(),
		Kind:          KindHandwriting,
		CreatedAt:     time.Now().UTC(),
		Samples:       samples,
		TargetClass:   target,
		AnswerClasses: answers,
	}, nil
}
