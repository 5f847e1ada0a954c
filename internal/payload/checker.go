// Package payload checks that a catalog's payload reference points at an existing object.
package payload

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Error types for payload checks.
var (
	// ErrPayloadNotFound means the reference resolves to nothing the dispatcher can read.
	ErrPayloadNotFound = errors.New("payload not found")
	// ErrUnsupportedScheme means the reference is not an s3 or http(s) URI.
	ErrUnsupportedScheme = errors.New("unsupported payload reference scheme")
	// ErrCheckFailed means existence could not be determined.
	ErrCheckFailed = errors.New("payload check failed")
)

// S3Header abstracts S3 HeadObject for dependency inversion.
type S3Header interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// HTTPDoer abstracts HTTP client operations for dependency inversion.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Checker resolves payload references and checks they exist.
type Checker struct {
	s3Client      S3Header
	httpClient    HTTPDoer
	defaultBucket string
	maxRetries    int
	baseDelay     time.Duration
	sleepFunc     func(time.Duration)
}

// NewChecker creates a new Checker. References without a scheme are resolved
// as keys in defaultBucket; an empty defaultBucket rejects them.
func NewChecker(s3Client S3Header, httpClient HTTPDoer, defaultBucket string) *Checker {
	return &Checker{
		s3Client:      s3Client,
		httpClient:    httpClient,
		defaultBucket: defaultBucket,
		maxRetries:    2,
		baseDelay:     100 * time.Millisecond,
		sleepFunc:     time.Sleep,
	}
}

// Exists returns nil when the referenced payload exists.
func (c *Checker) Exists(ctx context.Context, ref string) error {
	u, err := url.Parse(ref)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedScheme, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "s3":
		return c.headObject(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	case "http", "https":
		return c.headURL(ctx, u.String())
	case "":
		if c.defaultBucket == "" {
			return fmt.Errorf("%w: %q has no scheme", ErrUnsupportedScheme, ref)
		}
		return c.headObject(ctx, c.defaultBucket, strings.TrimPrefix(ref, "/"))
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
}

func (c *Checker) headObject(ctx context.Context, bucket, key string) error {
	if bucket == "" || key == "" {
		return fmt.Errorf("%w: missing bucket or key", ErrPayloadNotFound)
	}

	_, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return nil
	}

	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: s3://%s/%s", ErrPayloadNotFound, bucket, key)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket", "Forbidden", "AccessDenied":
			return fmt.Errorf("%w: s3://%s/%s: %s", ErrPayloadNotFound, bucket, key, apiErr.ErrorCode())
		}
	}
	return fmt.Errorf("%w: %v", ErrCheckFailed, err)
}

func (c *Checker) headURL(ctx context.Context, target string) error {
	maxAttempts := c.maxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrCheckFailed, err)
		}

		if attempt > 0 && c.sleepFunc != nil && c.baseDelay > 0 {
			c.sleepFunc(c.baseDelay * time.Duration(1<<(attempt-1)))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnsupportedScheme, err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone, resp.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: %s returned %d", ErrPayloadNotFound, target, resp.StatusCode)
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("%s returned %d", target, resp.StatusCode)
			continue
		case resp.StatusCode >= 400:
			return fmt.Errorf("%w: %s returned %d", ErrPayloadNotFound, target, resp.StatusCode)
		}
		return nil
	}

	return fmt.Errorf("%w: %v", ErrCheckFailed, lastErr)
}
