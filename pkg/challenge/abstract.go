package challenge

import (
	"context"
	"fmt"
	"log/slog"
	randv2 "math/rand/v2"
	"slices"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/cdn"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/common"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/score"
)

const (
	abstractImageCount = 9
	minPositives       = 2
	maxPositives       = 5

	// local mode pool sizing
	minGuaranteedPositives = 2
	candidatePoolSize      = 60
)

// ManifestSource lists content classes and the asset keys behind each.
type ManifestSource interface {
	Classes(ctx context.Context) ([]string, error)
	Keys(ctx context.Context, class string) ([]string, error)
}

// LocalLibrary is the on-disk image source for deployments without a
// remote manifest store.
type LocalLibrary interface {
	ClassImages(ctx context.Context, class string) ([]string, error)
	OtherImages(ctx context.Context, class string, n int) ([]string, error)
	Read(ctx context.Context, path string) ([]byte, error)
}

type abstractScorer interface {
	AbstractProbaBatch(ctx context.Context, images []score.NamedImage, targetClass string) ([]float64, error)
}

type ClassSpec struct {
	Name     string
	Keywords []string
}

// AbstractBuilder deals 9 images with 2 to 5 positives of a randomly
// chosen class. Remote mode draws from manifests; local mode samples the
// library and ranks candidates with the model.
type AbstractBuilder struct {
	Classes   []ClassSpec
	Manifests ManifestSource
	Library   LocalLibrary
	Model     abstractScorer
	Resolver  cdn.Resolver
}

func (b *AbstractBuilder) Build(ctx context.Context) (*Challenge, error) {
	if len(b.Classes) == 0 {
		return nil, ErrUnavailable
	}

	spec := b.Classes[randv2.IntN(len(b.Classes))]
	keyword := pickKeyword(spec)

	k := minPositives + randv2.IntN(maxPositives-minPositives+1)

	var images []ImageRef
	var err error
	switch {
	case b.Manifests != nil:
		images, err = b.buildRemote(ctx, spec.Name, k)
	case b.Library != nil:
		images, err = b.buildLocal(ctx, spec.Name, k)
	default:
		return nil, ErrUnavailable
	}
	if err != nil {
		return nil, err
	}

	shuffleImages(images)

	return &Challenge{
		ID:        newChallengeID(),
		Kind:      KindAbstract,
		CreatedAt: time.Now().UTC(),
		Question:  fmt.Sprintf("Select all images that show %s", keyword),
		Images:    images,
	}, nil
}

func pickKeyword(spec ClassSpec) string {
	seen := make(map[string]struct{}, len(spec.Keywords))
	pool := make([]string, 0, len(spec.Keywords))
	for _, kw := range spec.Keywords {
		kw = strings.TrimSpace(kw)
		if len(kw) == 0 {
			continue
		}
		if _, ok := seen[kw]; ok {
			continue
		}
		seen[kw] = struct{}{}
		pool = append(pool, kw)
	}

	if len(pool) == 0 {
		return spec.Name
	}

	return pool[randv2.IntN(len(pool))]
}

func (b *AbstractBuilder) buildRemote(ctx context.Context, class string, k int) ([]ImageRef, error) {
	classes, err := b.Manifests.Classes(ctx)
	if err != nil {
		return nil, err
	}

	var positiveKeys []string
	otherKeys := make([][]string, len(classes))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		positiveKeys, err = b.Manifests.Keys(groupCtx, class)
		return err
	})
	for i, other := range classes {
		if other == class {
			continue
		}
		group.Go(func() error {
			var err error
			otherKeys[i], err = b.Manifests.Keys(groupCtx, other)
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	pool := slices.Concat(otherKeys...)
	randv2.Shuffle(len(positiveKeys), func(i, j int) {
		positiveKeys[i], positiveKeys[j] = positiveKeys[j], positiveKeys[i]
	})
	randv2.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

	positives := positiveKeys[:min(k, len(positiveKeys))]
	// short manifests pad out with negatives, the deck stays at 9
	needed := abstractImageCount - len(positives)
	if len(pool) < needed {
		return nil, ErrUnavailable
	}

	images := make([]ImageRef, 0, abstractImageCount)
	for _, key := range positives {
		ref, err := b.resolve(ctx, key, true)
		if err != nil {
			return nil, err
		}
		images = append(images, ref)
	}
	for _, key := range pool[:needed] {
		ref, err := b.resolve(ctx, key, false)
		if err != nil {
			return nil, err
		}
		images = append(images, ref)
	}

	return images, nil
}

func (b *AbstractBuilder) buildLocal(ctx context.Context, class string, k int) ([]ImageRef, error) {
	classImages, err := b.Library.ClassImages(ctx, class)
	if err != nil {
		return nil, err
	}
	if len(classImages) == 0 {
		return nil, ErrUnavailable
	}

	randv2.Shuffle(len(classImages), func(i, j int) {
		classImages[i], classImages[j] = classImages[j], classImages[i]
	})
	guaranteed := classImages[:min(minGuaranteedPositives, len(classImages))]

	candidates, err := b.Library.OtherImages(ctx, class, candidatePoolSize)
	if err != nil {
		return nil, err
	}
	if len(candidates) < abstractImageCount {
		return nil, ErrUnavailable
	}

	probs := b.rankCandidates(ctx, candidates, class)

	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return probs[order[i]] > probs[order[j]] })

	positives := slices.Clone(guaranteed)
	for _, idx := range order {
		if len(positives) >= k {
			break
		}
		positives = append(positives, candidates[idx])
	}

	images := make([]ImageRef, 0, abstractImageCount)
	for _, path := range positives {
		images = append(images, ImageRef{Path: path, Positive: true})
	}
	// lowest-probability candidates are the safest negatives
	for i := len(order) - 1; i >= 0 && len(images) < abstractImageCount; i-- {
		path := candidates[order[i]]
		if slices.Contains(positives, path) {
			continue
		}
		images = append(images, ImageRef{Path: path, Positive: false})
	}
	if len(images) < abstractImageCount {
		return nil, ErrUnavailable
	}

	return images, nil
}

// rankCandidates asks the model for class probabilities, degrading to
// uniform random scores so a model outage does not take challenges down.
func (b *AbstractBuilder) rankCandidates(ctx context.Context, candidates []string, class string) []float64 {
	probs := make([]float64, len(candidates))

	if b.Model != nil {
		batch := make([]score.NamedImage, 0, len(candidates))
		for _, path := range candidates {
			data, err := b.Library.Read(ctx, path)
			if err != nil {
				slog.WarnContext(ctx, "Failed to read candidate image", "path", path, common.ErrAttr(err))
				batch = nil
				break
			}
			batch = append(batch, score.NamedImage{Name: path, Data: data})
		}

		if batch != nil {
			if modelProbs, err := b.Model.AbstractProbaBatch(ctx, batch, class); err == nil {
				return modelProbs
			} else {
				slog.WarnContext(ctx, "Model ranking failed, falling back to random", common.ErrAttr(err))
			}
		}
	}

	for i := range probs {
		probs[i] = randv2.Float64()
	}

	return probs
}

func (b *AbstractBuilder) resolve(ctx context.Context, key string, positive bool) (ImageRef, error) {
	url, err := b.Resolver.URL(ctx, key)
	if err != nil {
		return ImageRef{}, err
	}

	return ImageRef{URL: url, Positive: positive}, nil
}

// shuffleImages randomizes positions and reassigns sequential ids, so
// positive indices carry no information.
func shuffleImages(images []ImageRef) {
	randv2.Shuffle(len(images), func(i, j int) { images[i], images[j] = images[j], images[i] })
	for i := range images {
		images[i].ID = i
	}
}
