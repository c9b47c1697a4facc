package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/MrWong99/storyturn/internal/fault"
)

const defaultRegion = "us-east-1"

// S3Config configures an [S3Store].
type S3Config struct {
	Bucket string
	Region string

	// Endpoint overrides the S3 endpoint for S3-compatible stores such as
	// MinIO. Empty uses AWS.
	Endpoint string

	// UsePathStyle addresses objects as endpoint/bucket/key.
	UsePathStyle bool

	// AccessKeyID and SecretAccessKey, when both set, replace the default
	// credential chain.
	AccessKeyID     string
	SecretAccessKey string

	// PublicBaseURL, if set, is the prefix of returned URLs (e.g. a CDN).
	PublicBaseURL string
}

// putObjectAPI is the subset of the S3 client used by [S3Store].
type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store uploads objects with PutObject.
type S3Store struct {
	client  putObjectAPI
	bucket  string
	baseURL string
}

var _ Store = (*S3Store)(nil)

// NewS3Store loads AWS configuration (environment, shared config, instance
// role) and returns a store writing to cfg.Bucket.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("blob: s3: bucket must not be empty")
	}
	if cfg.Region == "" {
		cfg.Region = defaultRegion
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("blob: s3: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newS3Store(client, cfg), nil
}

func newS3Store(client putObjectAPI, cfg S3Config) *S3Store {
	return &S3Store{client: client, bucket: cfg.Bucket, baseURL: publicBase(cfg)}
}

// publicBase derives the URL prefix objects are reachable under.
func publicBase(cfg S3Config) string {
	switch {
	case cfg.PublicBaseURL != "":
		return cfg.PublicBaseURL
	case cfg.Endpoint != "" && cfg.UsePathStyle:
		return joinURL(cfg.Endpoint, cfg.Bucket)
	case cfg.Endpoint != "":
		return cfg.Endpoint
	default:
		region := cfg.Region
		if region == "" {
			region = defaultRegion
		}
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, region)
	}
}

// Upload implements [Store].
func (s *S3Store) Upload(ctx context.Context, data []byte, key, contentType string) (string, error) {
	const op = "blob: s3 upload"
	k, err := cleanKey(op, key)
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = ContentType(data, "application/octet-stream")
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(k),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fault.Wrap(fault.KindStorage, op, err)
	}
	return joinURL(s.baseURL, k), nil
}
