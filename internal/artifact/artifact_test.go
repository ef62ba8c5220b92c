package artifact

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarence2022/transferlens/internal/config"
)

// fakeS3 answers path-style HEAD, GET and PUT requests from a map.
type fakeS3 struct {
	mu   sync.Mutex
	objs map[string][]byte
	puts int
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.TrimPrefix(req.URL.Path, "/")
	resp := func(code int, body []byte) *http.Response {
		return &http.Response{
			StatusCode: code,
			Body:       io.NopCloser(bytes.NewReader(body)),
			Header:     http.Header{"Content-Length": {strconv.Itoa(len(body))}},
			Request:    req,
		}
	}
	switch req.Method {
	case http.MethodHead:
		if _, ok := f.objs[key]; ok {
			return resp(http.StatusOK, nil), nil
		}
		return resp(http.StatusNotFound, nil), nil
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		f.objs[key] = body
		f.puts++
		return resp(http.StatusOK, nil), nil
	case http.MethodGet:
		if b, ok := f.objs[key]; ok {
			return resp(http.StatusOK, b), nil
		}
		return resp(http.StatusNotFound, nil), nil
	}
	return resp(http.StatusNotImplemented, nil), nil
}

func newFakeS3(t *testing.T) (*S3, *fakeS3) {
	t.Helper()
	rt := &fakeS3{objs: map[string][]byte{}}
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	require.NoError(t, err)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: rt}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://s3.test.local")
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return NewS3WithClient(client, "models"), rt
}

func exercise(t *testing.T, s Store) string {
	t.Helper()
	ctx := context.Background()
	payload := []byte(`{"type":"logistic"}`)

	loc, err := s.Put(ctx, "models/transfer_logistic_90d/20250101.json", payload)
	require.NoError(t, err)
	assert.Contains(t, loc, "models/transfer_logistic_90d/20250101.json")

	got, err := s.Get(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = s.Put(ctx, "models/transfer_logistic_90d/20250101.json", []byte("other"))
	assert.ErrorIs(t, err, ErrExists)
	got, err = s.Get(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	for _, bad := range []string{"", "/abs.json", "../up.json"} {
		_, err = s.Put(ctx, bad, payload)
		assert.Error(t, err, bad)
	}
	return loc
}

func TestFS(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)
	loc := exercise(t, s)
	assert.True(t, strings.HasPrefix(loc, "file://"))

	_, err = s.Get(context.Background(), loc+".missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(context.Background(), "s3://b/k")
	assert.Error(t, err)
}

func TestMemory(t *testing.T) {
	s := NewMemory()
	loc := exercise(t, s)
	assert.Equal(t, "mem://models/transfer_logistic_90d/20250101.json", loc)

	_, err := s.Get(context.Background(), "mem://nothing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3(t *testing.T) {
	s, rt := newFakeS3(t)
	loc := exercise(t, s)
	assert.Equal(t, "s3://models/models/transfer_logistic_90d/20250101.json", loc)
	assert.Equal(t, 1, rt.puts)

	_, err := s.Get(context.Background(), "s3://models/none.json")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(context.Background(), "s3://elsewhere/none.json")
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, config.ArtifactsConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open(ctx, config.ArtifactsConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FS{}, s)

	_, err = Open(ctx, config.ArtifactsConfig{Driver: "s3"})
	assert.Error(t, err)
	_, err = Open(ctx, config.ArtifactsConfig{Driver: "gcs"})
	assert.Error(t, err)
}
