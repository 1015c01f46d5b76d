package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, input *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	Prefix    string
}

// S3 stores artifacts in an S3-compatible bucket. Writes spool to a local
// temp file and upload on Close, so a half-written artifact never becomes
// visible under its key.
type S3 struct {
	cfg    S3Config
	client s3Client
}

func NewS3(cfg S3Config) *S3 {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return &S3{cfg: cfg, client: s3.New(opts)}
}

func (s *S3) key(name string) string {
	if s.cfg.Prefix == "" {
		return name
	}
	return path.Join(s.cfg.Prefix, name)
}

func (s *S3) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	tmp, err := os.CreateTemp("", "lodgemap-export-*")
	if err != nil {
		return nil, &OpError{Op: "create", Name: name, Err: err}
	}
	return &s3Upload{ctx: ctx, s: s, name: name, tmp: tmp}, nil
}

type s3Upload struct {
	ctx    context.Context
	s      *S3
	name   string
	tmp    *os.File
	closed bool
}

func (w *s3Upload) Write(p []byte) (int, error) {
	return w.tmp.Write(p)
}

// Close uploads the spooled file. If the context was cancelled while
// writing, the upload fails and no partial object lands in the bucket.
func (w *s3Upload) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer os.Remove(w.tmp.Name())
	defer w.tmp.Close()

	stat, err := w.tmp.Stat()
	if err != nil {
		return &OpError{Op: "upload", Name: w.name, Err: err}
	}
	if _, err := w.tmp.Seek(0, io.SeekStart); err != nil {
		return &OpError{Op: "upload", Name: w.name, Err: err}
	}

	_, err = w.s.client.PutObject(w.ctx, &s3.PutObjectInput{
		Bucket:        aws.String(w.s.cfg.Bucket),
		Key:           aws.String(w.s.key(w.name)),
		Body:          w.tmp,
		ContentLength: aws.Int64(stat.Size()),
	})
	if err != nil {
		return &OpError{Op: "upload", Name: w.name, Err: err}
	}
	return nil
}

func (s *S3) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		return nil, 0, &OpError{Op: "open", Name: name, Err: err}
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

func (s *S3) Size(ctx context.Context, name string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		return 0, &OpError{Op: "size", Name: name, Err: err}
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (s *S3) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil && !IsNotExist(err) {
		return &OpError{Op: "delete", Name: name, Err: err}
	}
	return nil
}

// IsNotExist reports whether err means the artifact is gone, regardless of
// backend.
func IsNotExist(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.Is(err, fs.ErrNotExist) || errors.As(err, &noKey) || errors.As(err, &notFound)
}
