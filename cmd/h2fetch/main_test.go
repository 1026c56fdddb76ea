package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"example.com/h2stream/internal/testutil"
)

func startH2C(t *testing.T, h http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(h2c.NewHandler(h, &http2.Server{}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestRunFetch_Get(t *testing.T) {
	url := startH2C(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Proto", r.Proto)
		io.WriteString(w, "hello")
	})

	var stdout, stderr bytes.Buffer
	err := runFetch(context.Background(), options{count: 1, concurrency: 1, timeout: 2 * time.Second, include: true}, url, &stdout, &stderr)
	require.NoError(t, err, stderr.String())

	out := stdout.String()
	assert.Contains(t, out, "status: 200\n")
	assert.Contains(t, out, "x-proto: HTTP/2.0\n")
	assert.True(t, strings.HasSuffix(out, "\nhello\n"), out)
}

func TestRunFetch_PostJSONWithHeaders(t *testing.T) {
	url := startH2C(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", r.Header.Get("Content-Type"))
		w.Header().Set("X-Method", r.Method)
		w.Header().Set("X-Plain", r.Header.Get("X-Plain"))
		w.Header().Set("X-Secret", r.Header.Get("X-Secret"))
		w.Header().Set("Encoded-Header-Fields", r.Header.Get("Encoded-Header-Fields"))
		w.Write(body)
	})

	var stdout, stderr bytes.Buffer
	opts := options{
		data:           `{"a":1}`,
		json:           true,
		headers:        []string{"X-Plain: one"},
		encodedHeaders: []string{"X-Secret: naïve"},
		count:          1,
		concurrency:    1,
		timeout:        2 * time.Second,
		include:        true,
	}
	require.NoError(t, runFetch(context.Background(), opts, url, &stdout, &stderr), stderr.String())

	out := stdout.String()
	assert.Contains(t, out, "x-method: POST\n")
	assert.Contains(t, out, "content-type: application/json\n")
	assert.Contains(t, out, "x-plain: one\n")
	assert.Contains(t, out, "encoded-header-fields: x-secret\n")
	assert.Contains(t, out, `{"a":1}`)
}

func TestRunFetch_Concurrent(t *testing.T) {
	var hits atomic.Int32
	url := startH2C(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		io.WriteString(w, "ok")
	})

	var stdout, stderr bytes.Buffer
	opts := options{count: 5, concurrency: 3, timeout: 2 * time.Second}
	require.NoError(t, runFetch(context.Background(), opts, url, &stdout, &stderr))

	assert.Equal(t, int32(5), hits.Load())
	assert.Equal(t, strings.Repeat("ok\n", 5), stdout.String())
	assert.Equal(t, 5, strings.Count(stderr.String(), "--- request"))
}

func TestRunFetch_Output(t *testing.T) {
	payload := strings.Repeat("0123456789", 5000)
	url := startH2C(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, payload)
	})

	path := filepath.Join(t.TempDir(), "body.out")
	var stdout, stderr bytes.Buffer
	opts := options{count: 1, concurrency: 1, timeout: 2 * time.Second, output: path, include: true}
	require.NoError(t, runFetch(context.Background(), opts, url, &stdout, &stderr), stderr.String())

	saved, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, string(saved))
	assert.Equal(t, "status: 200\n", strings.SplitAfter(stdout.String(), "\n")[0])
	assert.NotContains(t, stdout.String(), "0123456789", "the payload goes to the file only")
	assert.Contains(t, stderr.String(), "saved 50000 bytes to "+path)
}

func TestRunFetch_OutputUnwritable(t *testing.T) {
	url := startH2C(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "x")
	})

	path := filepath.Join(t.TempDir(), "missing", "body.out")
	var stdout, stderr bytes.Buffer
	opts := options{count: 1, concurrency: 1, timeout: 2 * time.Second, output: path}
	err := runFetch(context.Background(), opts, url, &stdout, &stderr)
	assert.ErrorContains(t, err, "creating output file")
	assert.NotContains(t, stderr.String(), "saved")
}

func TestRunFetch_Failure(t *testing.T) {
	url := startH2C(t, func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	})

	var stdout, stderr bytes.Buffer
	err := runFetch(context.Background(), options{count: 1, concurrency: 1, timeout: 2 * time.Second}, url, &stdout, &stderr)
	require.Error(t, err)
	assert.Contains(t, stderr.String(), "error:")
}

func TestRunFetch_TLS(t *testing.T) {
	mat := testutil.NewTLSMaterial(t, "127.0.0.1")
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.Proto)
	}))
	srv.EnableHTTP2 = true
	tlsCfg, err := mat.ServerConfig()
	require.NoError(t, err)
	srv.TLS = tlsCfg
	srv.StartTLS()
	defer srv.Close()

	var stdout, stderr bytes.Buffer
	opts := options{count: 1, concurrency: 1, timeout: 2 * time.Second, caCert: mat.CertFile}
	require.NoError(t, runFetch(context.Background(), opts, srv.URL, &stdout, &stderr), stderr.String())
	assert.Equal(t, "HTTP/2.0\n", stdout.String())
}

func TestRunFetch_BadInput(t *testing.T) {
	var stdout, stderr bytes.Buffer
	ctx := context.Background()

	err := runFetch(ctx, options{count: 0}, "http://127.0.0.1:1", &stdout, &stderr)
	assert.EqualError(t, err, "--count must be at least 1")

	err = runFetch(ctx, options{count: 1, headers: []string{"novalue"}}, "http://127.0.0.1:1", &stdout, &stderr)
	assert.ErrorContains(t, err, `malformed header "novalue"`)

	err = runFetch(ctx, options{count: 2, output: "out.bin"}, "http://127.0.0.1:1", &stdout, &stderr)
	assert.EqualError(t, err, "--output requires --count 1")

	bad := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a cert"), 0600))
	err = runFetch(ctx, options{count: 1, caCert: bad}, "https://127.0.0.1:1", &stdout, &stderr)
	assert.ErrorContains(t, err, "no certificates found")
}

func TestNewRequestSpec_DefaultMethod(t *testing.T) {
	spec, err := newRequestSpec(options{}, "http://x")
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, spec.method)

	spec, err = newRequestSpec(options{data: "x"}, "http://x")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, spec.method)

	spec, err = newRequestSpec(options{data: "x", method: http.MethodPut}, "http://x")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, spec.method)
}

func TestRootCmd_RequiresURL(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs(nil)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	assert.Error(t, cmd.Execute())
}
