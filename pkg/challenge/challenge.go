// Package challenge holds the three challenge variants, their builders
// and their adjudicators. A challenge lives in the KV store for its TTL;
// the answer side of every variant never leaves the server.
package challenge

import (
	"context"
	"errors"
	"time"

	"github.com/rs/xid"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/kv"
)

type Kind string

const (
	KindAbstract    Kind = "abstract"
	KindImageGrid   Kind = "image"
	KindHandwriting Kind = "handwriting"
)

const (
	keyPrefix  = "captcha:"
	DefaultTTL = 5 * time.Minute
)

var (
	ErrNotFound = errors.New("challenge not found")
	// ErrUnavailable means the content source cannot produce a challenge
	// right now (empty manifest, no detected objects).
	ErrUnavailable = errors.New("challenge content unavailable")
)

type ImageRef struct {
	ID int `json:"id"`
	// URL is the client-facing address. Empty for local-library images,
	// which are served through the signed image proxy instead.
	URL string `json:"url"`
	// Path locates a local-library image on disk, server-side only
	Path string `json:"path,omitempty"`
	// Positive is server-side only, stripped from every response payload
	Positive bool `json:"positive"`
}

// Challenge is the persisted form of any variant. Only the fields of the
// matching Kind are set.
type Challenge struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	Attempts  int       `json:"attempts"`
	Question  string    `json:"question,omitempty"`

	// abstract
	Images []ImageRef `json:"images,omitempty"`

	// image grid
	ImageURL     string `json:"image_url,omitempty"`
	TargetLabel  string `json:"target_label,omitempty"`
	CorrectCells []int  `json:"correct_cells,omitempty"`

	// handwriting
	Samples       []string `json:"samples,omitempty"`
	TargetClass   string   `json:"target_class,omitempty"`
	AnswerClasses []string `json:"answer_classes,omitempty"`
}

func newChallengeID() string {
	return "ch_" + xid.New().String()
}

type Store struct {
	KV  kv.Store
	TTL time.Duration
}

func NewStore(store kv.Store, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Store{KV: store, TTL: ttl}
}

func (s *Store) Create(ctx context.Context, ch *Challenge) error {
	return s.KV.SetJSON(ctx, keyPrefix+ch.ID, ch, s.TTL)
}

func (s *Store) Get(ctx context.Context, id string) (*Challenge, error) {
	ch := &Challenge{}
	if err := s.KV.GetJSON(ctx, keyPrefix+id, ch); err != nil {
		if err == kv.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return ch, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.KV.Delete(ctx, keyPrefix+id)
}

// IncrementAttempts is a read-modify-setex preserving the remaining TTL.
// Concurrent verifies against one cid can lose an increment; the attempt
// ceiling still holds because both racers observe at least their own write.
func (s *Store) IncrementAttempts(ctx context.Context, ch *Challenge) error {
	remaining, err := s.KV.TTL(ctx, keyPrefix+ch.ID)
	if err != nil {
		if err == kv.ErrNotFound {
			return ErrNotFound
		}
		return err
	}

	if remaining <= 0 {
		remaining = s.TTL
	}

	ch.Attempts++

	return s.KV.SetJSON(ctx, keyPrefix+ch.ID, ch, remaining)
}
