package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rotisserie/eris"

	"github.com/clarence2022/transferlens/internal/config"
)

// S3 keeps artifacts in one bucket of an S3-compatible service.
type S3 struct {
	client *s3.Client
	bucket string
}

// NewS3 loads the default AWS credential chain for the configured region.
// Endpoint and PathStyle support MinIO and other compatible services.
func NewS3(ctx context.Context, cfg config.S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, eris.New("artifact: s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, eris.Wrap(err, "artifact: load aws config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewS3WithClient(client, cfg.Bucket), nil
}

// NewS3WithClient wraps an existing client.
func NewS3WithClient(client *s3.Client, bucket string) *S3 {
	return &S3{client: client, bucket: bucket}
}

func (s *S3) location(key string) string { return "s3://" + s.bucket + "/" + key }

func notFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nk *types.NoSuchKey
	if errors.As(err, &nk) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}

// Put implements Store. Create-only is emulated with HeadObject before
// PutObject; two racing writers of one key are not detected.
func (s *S3) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
	if err == nil {
		return "", eris.Wrapf(ErrExists, "key %s", key)
	}
	if !notFound(err) {
		return "", eris.Wrapf(err, "artifact: head %s", key)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", eris.Wrapf(err, "artifact: put %s", key)
	}
	return s.location(key), nil
}

// Get implements Store.
func (s *S3) Get(ctx context.Context, location string) ([]byte, error) {
	rest, ok := strings.CutPrefix(location, "s3://")
	if !ok {
		return nil, eris.Errorf("artifact: %q is not an s3 location", location)
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket != s.bucket {
		return nil, eris.Errorf("artifact: %q is outside bucket %s", location, s.bucket)
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		if notFound(err) {
			return nil, eris.Wrapf(ErrNotFound, "location %s", location)
		}
		return nil, eris.Wrapf(err, "artifact: get %s", location)
	}
	defer out.Body.Close() //nolint:errcheck
	data, err := io.ReadAll(out.Body)
	return data, eris.Wrapf(err, "artifact: read %s", location)
}
