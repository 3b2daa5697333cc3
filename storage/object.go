package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/cenkalti/backoff/v4"

	xerrors "github.com/cascadevideo/cascade-api/errors"
	"github.com/cascadevideo/cascade-api/metrics"
)

const (
	deleteBatchSize = 1000

	// Per-call deadlines. Metadata round trips are small and should be
	// fast; blob transfers get room for multi-hundred-MB objects.
	metadataTimeout = 30 * time.Second
	transferTimeout = 5 * time.Minute
)

func UploadRetryBackoff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(5*time.Second), 2)
}

// UploadRetryNotify records how often a blob write had to be retried, labeled
// by the kind of upload. Pair it with UploadRetryBackoff via RetryNotify.
func UploadRetryNotify(operation string) backoff.Notify {
	var tries int
	return func(err error, _ time.Duration) {
		tries++
		metrics.Metrics.ObjectStoreClient.RetryCount.WithLabelValues(operation).Set(float64(tries))
	}
}

type ObjectConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	PublicRoot      string
}

// ObjectStorage talks to any S3-compatible store. In production that is
// Cloudflare R2, which is why the session pins region "auto" and path-style
// addressing.
type ObjectStorage struct {
	s3         *s3.S3
	uploader   *s3manager.Uploader
	bucket     string
	publicRoot string
	host       string
}

var _ Storage = (*ObjectStorage)(nil)

func NewObjectStorage(opts ObjectConfig) (*ObjectStorage, error) {
	config := aws.NewConfig().
		WithRegion("auto").
		WithCredentials(credentials.NewStaticCredentials(opts.AccessKeyID, opts.SecretAccessKey, "")).
		WithEndpoint(opts.Endpoint).
		WithS3ForcePathStyle(true)
	sess, err := session.NewSession(config)
	if err != nil {
		return nil, fmt.Errorf("error creating object store session: %w", err)
	}

	host := opts.Endpoint
	if u, err := url.Parse(opts.Endpoint); err == nil && u.Host != "" {
		host = u.Host
	}

	return &ObjectStorage{
		s3:         s3.New(sess),
		uploader:   s3manager.NewUploader(sess),
		bucket:     opts.Bucket,
		publicRoot: strings.TrimSuffix(opts.PublicRoot, "/"),
		host:       host,
	}, nil
}

func (s *ObjectStorage) Put(ctx context.Context, key string, r io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, transferTimeout)
	defer cancel()
	start := time.Now()
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String(ContentTypeByPath(key)),
	})
	s.observe("put", start, err)
	if err != nil {
		return fmt.Errorf("error uploading %q: %w", key, err)
	}
	return nil
}

func (s *ObjectStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	// The deadline covers the whole download, so cancellation is deferred
	// to the body's Close rather than this method's return.
	ctx, cancel := context.WithTimeout(ctx, transferTimeout)
	start := time.Now()
	out, err := s.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	s.observe("get", start, err)
	if err != nil {
		cancel()
		if isNotFound(err) {
			return nil, xerrors.NewObjectNotFoundError(fmt.Sprintf("object %q not found", key), err)
		}
		return nil, fmt.Errorf("error fetching %q: %w", key, err)
	}
	return &deadlineBody{ReadCloser: out.Body, cancel: cancel}, nil
}

func (s *ObjectStorage) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()
	start := time.Now()
	_, err := s.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	s.observe("head", start, err)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("error checking %q: %w", key, err)
	}
	return true, nil
}

func (s *ObjectStorage) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()
	start := time.Now()
	_, err := s.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	s.observe("delete", start, err)
	if err != nil {
		return fmt.Errorf("error deleting %q: %w", key, err)
	}
	return nil
}

func (s *ObjectStorage) DeletePrefix(ctx context.Context, prefix string) error {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	var keys []*s3.ObjectIdentifier
	for {
		page, err := s.listPage(ctx, input)
		if err != nil {
			return fmt.Errorf("error listing prefix %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, &s3.ObjectIdentifier{Key: obj.Key})
		}
		if page.NextContinuationToken == nil {
			break
		}
		input.ContinuationToken = page.NextContinuationToken
	}

	for len(keys) > 0 {
		batch := keys
		if len(batch) > deleteBatchSize {
			batch = batch[:deleteBatchSize]
		}
		keys = keys[len(batch):]

		if err := s.deleteBatch(ctx, batch); err != nil {
			return fmt.Errorf("error deleting prefix %q: %w", prefix, err)
		}
	}
	return nil
}

func (s *ObjectStorage) listPage(ctx context.Context, input *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error) {
	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()
	start := time.Now()
	out, err := s.s3.ListObjectsV2WithContext(ctx, input)
	s.observe("list", start, err)
	return out, err
}

func (s *ObjectStorage) deleteBatch(ctx context.Context, batch []*s3.ObjectIdentifier) error {
	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()
	start := time.Now()
	_, err := s.s3.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &s3.Delete{Objects: batch, Quiet: aws.Bool(true)},
	})
	s.observe("delete_batch", start, err)
	return err
}

// Mkdir is a no-op: object stores materialize prefixes when the first key
// under them is written.
func (s *ObjectStorage) Mkdir(ctx context.Context, key string) error {
	return nil
}

func (s *ObjectStorage) URL(key string) string {
	return s.publicRoot + "/" + strings.TrimPrefix(key, "/")
}

func (s *ObjectStorage) observe(operation string, start time.Time, err error) {
	m := metrics.Metrics.ObjectStoreClient
	m.RequestDuration.WithLabelValues(s.host, operation).Observe(time.Since(start).Seconds())
	if err != nil {
		m.FailureCount.WithLabelValues(s.host, operation).Inc()
	}
}

// deadlineBody releases the request context once the caller is done
// reading. Reads past the transfer deadline fail with context errors.
type deadlineBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *deadlineBody) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}

func isNotFound(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
	}
	return false
}
