// Package archive copies reassembled files to S3-compatible object storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/chunkrelay/internal/common"
	"github.com/dmitrijs2005/chunkrelay/internal/logging"
)

// Options configures the object storage target. BaseEndpoint is set for
// MinIO and other S3-compatible stores; requests then use path-style URLs.
type Options struct {
	Bucket       string
	Region       string
	BaseEndpoint string
	User         string
	Password     string
	Prefix       string
}

// Putter is the subset of the S3 client used for archiving.
type Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Result describes an archived object.
type Result struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Size   int64  `json:"size"`
}

type S3Archiver struct {
	client Putter
	bucket string
	prefix string
	logger logging.Logger
}

// NewS3Client builds an S3 client with static credentials.
func NewS3Client(ctx context.Context, opts Options) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(opts.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			opts.User,
			opts.Password,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", common.ErrConfiguration, err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(opts.BaseEndpoint)
			o.UsePathStyle = true
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	}), nil
}

// New returns an archiver backed by a fresh S3 client.
func New(ctx context.Context, opts Options, logger logging.Logger) (*S3Archiver, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", common.ErrConfiguration)
	}
	client, err := NewS3Client(ctx, opts)
	if err != nil {
		return nil, err
	}
	return NewWithClient(client, opts.Bucket, opts.Prefix, logger), nil
}

func NewWithClient(client Putter, bucket, prefix string, logger logging.Logger) *S3Archiver {
	return &S3Archiver{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.With("module", "archive", "bucket", bucket),
	}
}

func (a *S3Archiver) Bucket() string { return a.bucket }

// ObjectKey maps a name relative to the upload root to an object key.
func (a *S3Archiver) ObjectKey(name string) string {
	name = strings.TrimLeft(strings.ReplaceAll(name, `\`, "/"), "/")
	if a.prefix == "" {
		return name
	}
	return path.Join(a.prefix, name)
}

// Archive uploads the file at localPath under the key derived from name.
func (a *S3Archiver) Archive(ctx context.Context, localPath, name string) (*Result, error) {
	f, err := os.Open(localPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", name, common.ErrNotFound)
		}
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", common.ErrInvalidInput, name)
	}

	key := a.ObjectKey(name)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(fi.Size()),
		ContentType:   aws.String(common.ContentTypeOctetStream),
	})
	if err != nil {
		a.logger.Error(ctx, "archive upload failed", "key", key, "error", err)
		return nil, fmt.Errorf("put object %s: %w", key, err)
	}

	a.logger.Info(ctx, "file archived", "key", key, "bytes", fi.Size())
	return &Result{Bucket: a.bucket, Key: key, Size: fi.Size()}, nil
}
