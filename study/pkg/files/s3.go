package files

import (
	"context"
	"errors"
	"fmt"
	"path"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// HeadObjectAPI is the part of the S3 client the resolver uses.
type HeadObjectAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Config configures an S3Resolver.
type S3Config struct {
	Region    string
	Bucket    string
	Prefix    string
	Endpoint  string // optional; for S3-compatible stores such as MinIO
	PathStyle bool
}

// S3Resolver resolves references to objects stored under
// <prefix>/<container>/@files/<ref> in a bucket.
type S3Resolver struct {
	client HeadObjectAPI
	bucket string
	prefix string
}

// NewS3Resolver builds a resolver using the default AWS credential chain.
func NewS3Resolver(ctx context.Context, cfg S3Config) (*S3Resolver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewS3ResolverWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

func NewS3ResolverWithClient(client HeadObjectAPI, bucket, prefix string) *S3Resolver {
	return &S3Resolver{client: client, bucket: bucket, prefix: prefix}
}

func (r *S3Resolver) Resolve(ctx context.Context, container, ref string) (string, error) {
	rel, err := cleanRef(ref)
	if err != nil {
		return "", err
	}
	key := path.Join(r.prefix, container, FilesDir, rel)
	_, err = r.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(r.bucket), Key: aws.String(key)})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return "", fmt.Errorf("failed to look up s3://%s/%s: %w", r.bucket, key, err)
	}
	return "s3://" + r.bucket + "/" + key, nil
}
