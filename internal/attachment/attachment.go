// Package attachment loads attachment content from local files or S3.
//
// A source is either a filesystem path or an s3://bucket/key URL. The
// content type is taken from the S3 object when present, else guessed from
// the file extension.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/shineum/mailtree/internal/email"
)

const (
	s3Scheme = "s3://"

	// DefaultMaxSize caps a single attachment.
	DefaultMaxSize = 25 << 20

	defaultContentType = "application/octet-stream"
)

var (
	// ErrTooLarge is returned when content exceeds the size cap.
	ErrTooLarge = errors.New("attachment exceeds maximum size")
	// ErrInvalidS3URL is returned for s3:// sources without bucket or key.
	ErrInvalidS3URL = errors.New("invalid s3 url, want s3://bucket/key")
	// ErrNoS3Client is returned for s3:// sources when no client is set.
	ErrNoS3Client = errors.New("s3 source requires an S3 client")
)

// S3API is the subset of the S3 client used by the Loader.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// NewS3Client creates an S3 client from the default AWS credential chain.
// An empty region defers to the environment.
func NewS3Client(ctx context.Context, region string) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg), nil
}

// Loader reads attachments.
type Loader struct {
	s3      S3API
	maxSize int64
}

// Option configures a Loader.
type Option func(*Loader)

// WithS3Client enables s3:// sources.
func WithS3Client(client S3API) Option {
	return func(l *Loader) { l.s3 = client }
}

// WithMaxSize sets the per-attachment size cap.
func WithMaxSize(n int64) Option {
	return func(l *Loader) { l.maxSize = n }
}

// NewLoader creates a Loader for local files, plus S3 when a client is
// given.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{maxSize: DefaultMaxSize}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads one attachment from source.
func (l *Loader) Load(ctx context.Context, source string) (email.Attachment, error) {
	if !strings.HasPrefix(source, s3Scheme) {
		return l.loadFile(source)
	}
	bucket, key, ok := parseS3(source)
	if !ok {
		return email.Attachment{}, fmt.Errorf("%w: %q", ErrInvalidS3URL, source)
	}
	return l.loadS3(ctx, bucket, key)
}

// LoadAll reads every source in order.
func (l *Loader) LoadAll(ctx context.Context, sources []string) ([]email.Attachment, error) {
	out := make([]email.Attachment, 0, len(sources))
	for _, src := range sources {
		att, err := l.Load(ctx, src)
		if err != nil {
			return nil, err
		}
		out = append(out, att)
	}
	return out, nil
}

func (l *Loader) loadFile(name string) (email.Attachment, error) {
	f, err := os.Open(name)
	if err != nil {
		return email.Attachment{}, fmt.Errorf("failed to open attachment: %w", err)
	}
	defer f.Close()

	content, err := l.readLimited(f)
	if err != nil {
		return email.Attachment{}, fmt.Errorf("failed to read %s: %w", name, err)
	}

	filename := filepath.Base(name)
	return email.Attachment{
		Filename:    filename,
		ContentType: contentTypeFor(filename, ""),
		Content:     content,
	}, nil
}

func (l *Loader) loadS3(ctx context.Context, bucket, key string) (email.Attachment, error) {
	if l.s3 == nil {
		return email.Attachment{}, ErrNoS3Client
	}

	out, err := l.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return email.Attachment{}, fmt.Errorf("failed to get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	if out.ContentLength != nil && *out.ContentLength > l.maxSize {
		return email.Attachment{}, fmt.Errorf("s3://%s/%s: %w", bucket, key, ErrTooLarge)
	}
	content, err := l.readLimited(out.Body)
	if err != nil {
		return email.Attachment{}, fmt.Errorf("failed to read s3://%s/%s: %w", bucket, key, err)
	}

	filename := path.Base(key)
	return email.Attachment{
		Filename:    filename,
		ContentType: contentTypeFor(filename, aws.ToString(out.ContentType)),
		Content:     content,
	}, nil
}

func (l *Loader) readLimited(r io.Reader) ([]byte, error) {
	content, err := io.ReadAll(io.LimitReader(r, l.maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(content)) > l.maxSize {
		return nil, ErrTooLarge
	}
	return content, nil
}

// parseS3 splits an s3://bucket/key URL.
func parseS3(source string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(source, s3Scheme)
	if !found {
		return "", "", false
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// contentTypeFor prefers the declared type, then the extension.
func contentTypeFor(filename, declared string) string {
	if declared != "" && declared != defaultContentType {
		return declared
	}
	if ct := mime.TypeByExtension(filepath.Ext(filename)); ct != "" {
		return ct
	}
	if declared != "" {
		return declared
	}
	return defaultContentType
}
