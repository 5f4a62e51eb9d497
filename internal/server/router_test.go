package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/radif/uploader/docs/swagger"
	"github.com/radif/uploader/internal/ratelimit"
	"github.com/radif/uploader/internal/response"
	"github.com/radif/uploader/internal/storage/storagetest"
	"github.com/radif/uploader/internal/upload"
)

type testEnv struct {
	api   *httptest.Server
	store *storagetest.Memory
}

// newTestEnv serves the router over a real listener. Stored objects are
// served by a second server whose URL is the store's public base, so the
// URLs returned by /upload can be fetched.
func newTestEnv(t *testing.T, d Deps, opts upload.Options) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := storagetest.NewMemory("")
	objects := httptest.NewServer(store)
	t.Cleanup(objects.Close)
	store.PublicBase = objects.URL

	opts.Logger = logger
	if opts.Keys.Prefix == "" {
		opts.Keys.Prefix = upload.DefaultKeyPrefix
	}
	svc := upload.NewService(store, opts)

	d.Logger = logger
	d.Upload = upload.NewHandler(svc, upload.HandlerConfig{ExposeErrors: true, Logger: logger})

	api := httptest.NewServer(NewRouter(d))
	t.Cleanup(api.Close)

	return &testEnv{api: api, store: store}
}

func multipartBody(t *testing.T, field, name, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	w, err := mw.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = io.WriteString(w, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (e *testEnv) post(t *testing.T, body io.Reader, contentType string, header http.Header) (*http.Response, response.Envelope) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.api.URL+"/upload", body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var env response.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func (e *testEnv) upload(t *testing.T, name, content string, header http.Header) (*http.Response, response.Envelope) {
	t.Helper()
	body, ct := multipartBody(t, "image", name, content)
	return e.post(t, body, ct, header)
}

func fetch(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestUpload_SuccessRoundTrip(t *testing.T) {
	env := newTestEnv(t, Deps{}, upload.Options{})

	resp, body := env.upload(t, "a b.png", "hello", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.True(t, body.Success)
	assert.Equal(t, upload.MsgUploaded, body.Message)
	assert.Contains(t, body.URL, "a-b.png")
	assert.Regexp(t, `^uploads/\d{13}-a-b\.png$`, body.Key)
	assert.Equal(t, "a b.png", body.OriginalName)

	status, got := fetch(t, body.URL)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "hello", got)
}

func TestUpload_NoFile(t *testing.T) {
	env := newTestEnv(t, Deps{}, upload.Options{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("title", "no file here"))
	require.NoError(t, mw.Close())

	resp, body := env.post(t, &buf, mw.FormDataContentType(), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, body.Success)
	assert.Equal(t, upload.MsgNoFile, body.Error)
	assert.Empty(t, body.URL)
	assert.Equal(t, 0, env.store.Len())
}

func TestUpload_StorageFailure(t *testing.T) {
	env := newTestEnv(t, Deps{}, upload.Options{})
	env.store.FailWith = errors.New("InvalidAccessKeyId: The AWS Access Key Id you provided does not exist")

	resp, body := env.upload(t, "a.png", "hello", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.False(t, body.Success)
	assert.Equal(t, upload.MsgUploadFailed, body.Error)
	assert.NotEmpty(t, body.Message)
	assert.Empty(t, body.URL)
	assert.Len(t, env.store.Deleted(), 1)
}

func TestUpload_ConcurrentSameName(t *testing.T) {
	base := time.UnixMilli(1700000000000)
	var tick int64
	env := newTestEnv(t, Deps{}, upload.Options{
		Now: func() time.Time {
			return base.Add(time.Duration(atomic.AddInt64(&tick, 1)) * time.Millisecond)
		},
	})

	const n = 8
	var wg sync.WaitGroup
	results := make([]response.Envelope, n)
	codes := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body, ct := multipartBody(t, "image", "same.txt", fmt.Sprintf("payload-%d", i))
			req, err := http.NewRequest(http.MethodPost, env.api.URL+"/upload", body)
			if err != nil {
				return
			}
			req.Header.Set("Content-Type", ct)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return
			}
			defer resp.Body.Close()
			codes[i] = resp.StatusCode
			_ = json.NewDecoder(resp.Body).Decode(&results[i])
		}(i)
	}
	wg.Wait()

	keys := make(map[string]bool)
	for i := 0; i < n; i++ {
		require.Equal(t, http.StatusOK, codes[i], "request %d", i)
		assert.False(t, keys[results[i].Key], "duplicate key %s", results[i].Key)
		keys[results[i].Key] = true
	}
	assert.Equal(t, n, env.store.Len())

	// Each stored object holds exactly one request's payload.
	seen := make(map[string]bool)
	for _, res := range results {
		_, got := fetch(t, res.URL)
		assert.True(t, strings.HasPrefix(got, "payload-"))
		assert.False(t, seen[got])
		seen[got] = true
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Deps{}, upload.Options{})

	status, got := fetch(t, env.api.URL+"/health")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, got)
}

func TestSwaggerDoc(t *testing.T) {
	env := newTestEnv(t, Deps{}, upload.Options{})

	status, got := fetch(t, env.api.URL+"/swagger/doc.json")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, got, `"/upload"`)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, Deps{}, upload.Options{})

	req, err := http.NewRequest(http.MethodOptions, env.api.URL+"/upload", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), http.MethodPost)

	// Simple requests carry the header too.
	get, err := http.NewRequest(http.MethodGet, env.api.URL+"/health", nil)
	require.NoError(t, err)
	get.Header.Set("Origin", "https://app.example.com")
	resp2, err := http.DefaultClient.Do(get)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, "*", resp2.Header.Get("Access-Control-Allow-Origin"))

	// So do requests without an Origin, including failed uploads.
	resp3, err := http.Get(env.api.URL + "/health")
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, "*", resp3.Header.Get("Access-Control-Allow-Origin"))

	resp4, _ := env.post(t, strings.NewReader("plain"), "text/plain", nil)
	assert.Equal(t, http.StatusBadRequest, resp4.StatusCode)
	assert.Equal(t, "*", resp4.Header.Get("Access-Control-Allow-Origin"))
}

func TestUpload_RequiresToken(t *testing.T) {
	const secret = "test-secret"
	env := newTestEnv(t, Deps{JWTSecret: secret}, upload.Options{})

	resp, body := env.upload(t, "a.png", "hello", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.False(t, body.Success)
	assert.Equal(t, 0, env.store.Len())

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	resp, body = env.upload(t, "a.png", "hello", http.Header{"Authorization": {"Bearer " + token}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	obj, ok := env.store.Get(body.Key)
	require.True(t, ok)
	assert.Equal(t, "user-7", obj.Metadata[upload.MetaUploadedBy])
}

func TestUpload_RateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env := newTestEnv(t, Deps{Limiter: ratelimit.NewTokenBucket(client, 2, 2)}, upload.Options{})

	for i := 0; i < 2; i++ {
		resp, _ := env.upload(t, "a.png", "hello", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "2", resp.Header.Get("X-RateLimit-Limit"))
		assert.Equal(t, "60", resp.Header.Get("X-RateLimit-Reset"))
	}

	resp, body := env.upload(t, "a.png", "hello", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.False(t, body.Success)
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	assert.Equal(t, 2, env.store.Len())

	// Health is not limited.
	status, _ := fetch(t, env.api.URL+"/health")
	assert.Equal(t, http.StatusOK, status)

	// Clearing the bucket lets the client through again.
	require.NoError(t, ratelimit.NewTokenBucket(client, 2, 2).Reset(context.Background(), "127.0.0.1", RateLimitAction))
	resp, _ = env.upload(t, "a.png", "hello", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
