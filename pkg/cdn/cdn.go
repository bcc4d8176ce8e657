// Package cdn resolves logical image keys to URLs the widget can fetch.
// Two modes: a plain base-URL join for CDN-fronted buckets, and short-lived
// S3 presigned URLs for private buckets.
package cdn

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const DefaultPresignTTL = 2 * time.Minute

var ErrNoResolver = errors.New("no asset resolver configured")

type Resolver interface {
	// URL resolves a logical asset key like "abstract/cat/0042.webp".
	URL(ctx context.Context, key string) (string, error)
}

type baseURLResolver struct {
	base string
}

func NewBaseURLResolver(base string) Resolver {
	return &baseURLResolver{base: strings.TrimRight(base, "/")}
}

func (r *baseURLResolver) URL(ctx context.Context, key string) (string, error) {
	if len(r.base) == 0 {
		return "", ErrNoResolver
	}

	return r.base + "/" + url.PathEscape(strings.TrimLeft(key, "/")), nil
}

type S3Opts struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	TTL       time.Duration
}

type s3Resolver struct {
	presigner *s3.PresignClient
	bucket    string
	ttl       time.Duration
}

func NewS3Resolver(ctx context.Context, opts S3Opts) (Resolver, error) {
	if len(opts.Bucket) == 0 {
		return nil, ErrNoResolver
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if len(opts.Endpoint) > 0 {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			// minio and friends do not speak virtual-hosted style
			o.UsePathStyle = true
		}
	})

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}

	return &s3Resolver{
		presigner: s3.NewPresignClient(client),
		bucket:    opts.Bucket,
		ttl:       ttl,
	}, nil
}

func (r *s3Resolver) URL(ctx context.Context, key string) (string, error) {
	req, err := r.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(strings.TrimLeft(key, "/")),
	}, s3.WithPresignExpires(r.ttl))
	if err != nil {
		return "", err
	}

	return req.URL, nil
}
