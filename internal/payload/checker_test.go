package payload

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type mockS3Header struct {
	headFunc func(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

func (m *mockS3Header) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return m.headFunc(ctx, params, optFns...)
}

// fakeHTTPDoer implements HTTPDoer for testing.
type fakeHTTPDoer struct {
	calls  int
	doFunc func(req *http.Request) (*http.Response, error)
}

func (f *fakeHTTPDoer) Do(req *http.Request) (*http.Response, error) {
	f.calls++
	return f.doFunc(req)
}

func statusResponse(code int) (*http.Response, error) {
	return &http.Response{StatusCode: code, Body: http.NoBody}, nil
}

func noSleep(time.Duration) {}

func TestExists_S3(t *testing.T) {
	var bucket, key string
	s3Mock := &mockS3Header{
		headFunc: func(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
			bucket, key = *params.Bucket, *params.Key
			return &s3.HeadObjectOutput{}, nil
		},
	}

	c := NewChecker(s3Mock, nil, "")
	if err := c.Exists(context.Background(), "s3://bucket/path/to/a.json"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bucket != "bucket" || key != "path/to/a.json" {
		t.Errorf("HeadObject(%q, %q), want (bucket, path/to/a.json)", bucket, key)
	}
}

func TestExists_BareKeyUsesDefaultBucket(t *testing.T) {
	var bucket, key string
	s3Mock := &mockS3Header{
		headFunc: func(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
			bucket, key = *params.Bucket, *params.Key
			return &s3.HeadObjectOutput{}, nil
		},
	}

	if err := NewChecker(s3Mock, nil, "payloads").Exists(context.Background(), "landsat/item-1.json"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bucket != "payloads" || key != "landsat/item-1.json" {
		t.Errorf("HeadObject(%q, %q), want (payloads, landsat/item-1.json)", bucket, key)
	}

	if err := NewChecker(s3Mock, nil, "").Exists(context.Background(), "landsat/item-1.json"); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("err = %v, want ErrUnsupportedScheme", err)
	}
}

func TestExists_S3Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "not found", err: &types.NotFound{}, want: ErrPayloadNotFound},
		{name: "forbidden", err: &smithy.GenericAPIError{Code: "Forbidden"}, want: ErrPayloadNotFound},
		{name: "no such bucket", err: &smithy.GenericAPIError{Code: "NoSuchBucket"}, want: ErrPayloadNotFound},
		{name: "throttled", err: &smithy.GenericAPIError{Code: "SlowDown"}, want: ErrCheckFailed},
		{name: "network", err: errors.New("connection reset"), want: ErrCheckFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s3Mock := &mockS3Header{
				headFunc: func(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
					return nil, tt.err
				},
			}
			err := NewChecker(s3Mock, nil, "").Exists(context.Background(), "s3://bucket/a")
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestExists_S3MissingKey(t *testing.T) {
	if err := NewChecker(nil, nil, "").Exists(context.Background(), "s3://bucket"); !errors.Is(err, ErrPayloadNotFound) {
		t.Errorf("err = %v, want ErrPayloadNotFound", err)
	}
}

func TestExists_UnsupportedScheme(t *testing.T) {
	if err := NewChecker(nil, nil, "bucket").Exists(context.Background(), "ftp://host/a"); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("err = %v, want ErrUnsupportedScheme", err)
	}
}

func TestExists_HTTP(t *testing.T) {
	var method string
	fake := &fakeHTTPDoer{
		doFunc: func(req *http.Request) (*http.Response, error) {
			method = req.Method
			return statusResponse(http.StatusOK)
		},
	}

	if err := NewChecker(nil, fake, "").Exists(context.Background(), "https://example.com/a.json"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if method != http.MethodHead {
		t.Errorf("method = %q, want HEAD", method)
	}
}

func TestExists_HTTPNotFoundIsNotRetried(t *testing.T) {
	fake := &fakeHTTPDoer{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return statusResponse(http.StatusNotFound)
		},
	}
	c := NewChecker(nil, fake, "")
	c.sleepFunc = noSleep

	if err := c.Exists(context.Background(), "https://example.com/a.json"); !errors.Is(err, ErrPayloadNotFound) {
		t.Fatalf("err = %v, want ErrPayloadNotFound", err)
	}
	if fake.calls != 1 {
		t.Errorf("calls = %d, want 1", fake.calls)
	}
}

func TestExists_HTTPRetriesServerErrors(t *testing.T) {
	fake := &fakeHTTPDoer{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return statusResponse(http.StatusBadGateway)
		},
	}
	var delays []time.Duration
	c := NewChecker(nil, fake, "")
	c.sleepFunc = func(d time.Duration) { delays = append(delays, d) }

	if err := c.Exists(context.Background(), "https://example.com/a.json"); !errors.Is(err, ErrCheckFailed) {
		t.Fatalf("err = %v, want ErrCheckFailed", err)
	}
	if fake.calls != 3 {
		t.Errorf("calls = %d, want 3", fake.calls)
	}
	if len(delays) != 2 || delays[0] != 100*time.Millisecond || delays[1] != 200*time.Millisecond {
		t.Errorf("delays = %v, want [100ms 200ms]", delays)
	}
}

func TestExists_HTTPRecoversAfterServerError(t *testing.T) {
	fake := &fakeHTTPDoer{}
	fake.doFunc = func(req *http.Request) (*http.Response, error) {
		if fake.calls == 1 {
			return nil, errors.New("connection reset")
		}
		return statusResponse(http.StatusOK)
	}
	c := NewChecker(nil, fake, "")
	c.sleepFunc = noSleep

	if err := c.Exists(context.Background(), "http://example.com/a.json"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.calls != 2 {
		t.Errorf("calls = %d, want 2", fake.calls)
	}
}

func TestExists_HTTPCancelledContext(t *testing.T) {
	fake := &fakeHTTPDoer{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return statusResponse(http.StatusOK)
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := NewChecker(nil, fake, "").Exists(ctx, "https://example.com/a.json"); !errors.Is(err, ErrCheckFailed) {
		t.Fatalf("err = %v, want ErrCheckFailed", err)
	}
	if fake.calls != 0 {
		t.Errorf("calls = %d, want 0", fake.calls)
	}
}
