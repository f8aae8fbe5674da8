package webserver

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heic2jpg/internal/analytics"
	"heic2jpg/internal/artifact"
	"heic2jpg/internal/codec"
	"heic2jpg/internal/converter"
	"heic2jpg/internal/intake"
	"heic2jpg/internal/orchestrator"
)

type testEnv struct {
	server     *Server
	handler    http.Handler
	uploadDir  string
	outputDir  string
	staticDir  string
	codecCalls *atomic.Int64
}

type envOptions struct {
	apiPrefix string
	maxUpload int64
	grace     time.Duration
	codec     codec.Func
}

// testCodec "converts" by prefixing the input, and rejects anything that
// starts with "corrupt".
func testCodec(ctx context.Context, input []byte, format codec.Format, quality float64) ([]byte, error) {
	if bytes.HasPrefix(input, []byte("corrupt")) {
		return nil, codec.Errorf("Input buffer is not a HEIF image")
	}

	return append([]byte("\xff\xd8JPEG"), input...), nil
}

func newTestEnv(t *testing.T, o envOptions) *testEnv {
	t.Helper()

	root := t.TempDir()
	env := &testEnv{
		uploadDir:  filepath.Join(root, "uploads"),
		outputDir:  filepath.Join(root, "output"),
		staticDir:  filepath.Join(root, "dist"),
		codecCalls: &atomic.Int64{},
	}

	if o.maxUpload == 0 {
		o.maxUpload = intake.MaxFileSize
	}

	if o.grace == 0 {
		o.grace = time.Hour
	}

	if o.codec == nil {
		o.codec = testCodec
	}

	in, err := intake.New(env.uploadDir, o.maxUpload, nil)
	require.NoError(t, err)

	store, err := artifact.NewStore(env.outputDir, artifact.WithGracePeriod(o.grace))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Drain(context.Background()) })

	counted := codec.Func(func(ctx context.Context, input []byte, format codec.Format, quality float64) ([]byte, error) {
		env.codecCalls.Add(1)
		return o.codec(ctx, input, format, quality)
	})

	worker := converter.NewWorker(counted, store, codec.DefaultQuality, nil)
	orch := orchestrator.New(in, worker, store, analytics.New(), nil)

	env.server = New(orch, Options{
		APIPrefix:      o.apiPrefix,
		StaticDir:      env.staticDir,
		Port:           "4545",
		MaxUploadBytes: o.maxUpload,
		RedactDirs:     []string{env.uploadDir, env.outputDir},
	}, nil)
	env.handler = env.server.Routes()

	return env
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()

	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)

	return w
}

func (e *testEnv) analytics(t *testing.T, prefix string) analytics.Report {
	t.Helper()

	w := e.do(t, httptest.NewRequest(http.MethodGet, prefix+"/analytics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var report analytics.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))

	return report
}

func (e *testEnv) uploadsLeft(t *testing.T) int {
	t.Helper()

	entries, err := os.ReadDir(e.uploadDir)
	require.NoError(t, err)

	return len(entries)
}

func createUploadRequest(t *testing.T, target, field, filename, contentType string, content []byte) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, filename))
	h.Set("Content-Type", contentType)

	part, err := writer.CreatePart(h)
	require.NoError(t, err)

	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	return req
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), "body: %s", w.Body.String())

	return body
}

func TestConvertHandler(t *testing.T) {
	tests := []struct {
		name           string
		setupRequest   func(t *testing.T) *http.Request
		expectedStatus int
		checkResponse  func(t *testing.T, body map[string]any)
		expectCodec    int64
		expectStats    analytics.Report
	}{
		{
			name: "valid heic",
			setupRequest: func(t *testing.T) *http.Request {
				return createUploadRequest(t, "/convert", UploadField, "vacation.heic", "image/heic", []byte("heic-payload"))
			},
			expectedStatus: http.StatusOK,
			checkResponse: func(t *testing.T, body map[string]any) {
				assert.Equal(t, true, body["success"])
				assert.Equal(t, "File converted successfully", body["message"])
				assert.Equal(t, "vacation.jpg", body["filename"])
				assert.Equal(t, float64(len("\xff\xd8JPEGheic-payload")), body["fileSize"])
				assert.True(t, strings.HasPrefix(body["downloadPath"].(string), "/download/"))
			},
			expectCodec: 1,
			expectStats: analytics.Report{TotalConversions: 1, SuccessfulConversions: 1, FilesProcessed: 1},
		},
		{
			name: "heif by extension with generic content type",
			setupRequest: func(t *testing.T) *http.Request {
				return createUploadRequest(t, "/convert", UploadField, "IMG_1234.HEIF", "application/octet-stream", []byte("heif"))
			},
			expectedStatus: http.StatusOK,
			checkResponse: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "IMG_1234.jpg", body["filename"])
			},
			expectCodec: 1,
			expectStats: analytics.Report{TotalConversions: 1, SuccessfulConversions: 1, FilesProcessed: 1},
		},
		{
			name: "text file",
			setupRequest: func(t *testing.T) *http.Request {
				return createUploadRequest(t, "/convert", UploadField, "notes.txt", "text/plain", []byte("hello"))
			},
			expectedStatus: http.StatusBadRequest,
			checkResponse: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "Only HEIC/HEIF files are allowed", body["error"])
			},
			expectStats: analytics.Report{FailedConversions: 1},
		},
		{
			name: "corrupted heic",
			setupRequest: func(t *testing.T) *http.Request {
				return createUploadRequest(t, "/convert", UploadField, "broken.heic", "image/heic", []byte("corrupt!"))
			},
			expectedStatus: http.StatusInternalServerError,
			checkResponse: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "Conversion failed", body["error"])
				assert.Equal(t, "Input buffer is not a HEIF image", body["message"])
			},
			expectCodec: 1,
			expectStats: analytics.Report{TotalConversions: 1, FailedConversions: 1, FilesProcessed: 1},
		},
		{
			name: "file under another field",
			setupRequest: func(t *testing.T) *http.Request {
				return createUploadRequest(t, "/convert", "file", "vacation.heic", "image/heic", []byte("heic"))
			},
			expectedStatus: http.StatusBadRequest,
			checkResponse: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "No file uploaded", body["error"])
			},
			expectStats: analytics.Report{FailedConversions: 1},
		},
		{
			name: "not multipart",
			setupRequest: func(t *testing.T) *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/convert", strings.NewReader("invalid"))
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
				return req
			},
			expectedStatus: http.StatusBadRequest,
			checkResponse: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "No file uploaded", body["error"])
			},
			expectStats: analytics.Report{FailedConversions: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, envOptions{})

			w := env.do(t, tt.setupRequest(t))

			assert.Equal(t, tt.expectedStatus, w.Code, "body: %s", w.Body.String())
			assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
			if tt.checkResponse != nil {
				tt.checkResponse(t, decodeBody(t, w))
			}

			assert.Equal(t, tt.expectCodec, env.codecCalls.Load())
			assert.Zero(t, env.uploadsLeft(t), "temp input must be gone")

			got := env.analytics(t, "")
			assert.Equal(t, tt.expectStats.TotalConversions, got.TotalConversions)
			assert.Equal(t, tt.expectStats.SuccessfulConversions, got.SuccessfulConversions)
			assert.Equal(t, tt.expectStats.FailedConversions, got.FailedConversions)
			assert.Equal(t, tt.expectStats.FilesProcessed, got.FilesProcessed)
		})
	}
}

func TestConvertHandler_Oversized(t *testing.T) {
	t.Run("streamed body over the limit", func(t *testing.T) {
		env := newTestEnv(t, envOptions{maxUpload: 1024})

		w := env.do(t, createUploadRequest(t, "/convert", UploadField, "big.heic", "image/heic", bytes.Repeat([]byte("x"), 4096)))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "File too large. Maximum size is 1024 bytes.", decodeBody(t, w)["error"])
		assert.Zero(t, env.codecCalls.Load(), "no conversion attempt for oversized input")
		assert.Zero(t, env.uploadsLeft(t), "partial upload must be removed")

		got := env.analytics(t, "")
		assert.Equal(t, int64(1), got.FailedConversions)
		assert.Zero(t, got.TotalConversions)
	})

	t.Run("declared content length over the limit", func(t *testing.T) {
		env := newTestEnv(t, envOptions{})

		req := createUploadRequest(t, "/convert", UploadField, "big.heic", "image/heic", []byte("x"))
		req.ContentLength = intake.MaxFileSize + 2*multipartOverhead

		w := env.do(t, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "File too large. Maximum size is 50MB.", decodeBody(t, w)["error"])
		assert.Zero(t, env.codecCalls.Load())
		assert.Equal(t, int64(1), env.analytics(t, "").FailedConversions)
	})
}

func TestDownloadHandler_Lifecycle(t *testing.T) {
	env := newTestEnv(t, envOptions{grace: 100 * time.Millisecond})

	// 2 MiB upload, like a phone photo
	payload := bytes.Repeat([]byte("h"), 2*1024*1024)

	w := env.do(t, createUploadRequest(t, "/convert", UploadField, "vacation.heic", "image/heic", payload))
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	var res ConvertResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "vacation.jpg", res.Filename)

	entries, err := os.ReadDir(env.outputDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	stored, err := os.ReadFile(filepath.Join(env.outputDir, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, int64(len(stored)), res.FileSize, "fileSize is the exact stored length")

	dl := env.do(t, httptest.NewRequest(http.MethodGet, res.DownloadPath, nil))
	require.Equal(t, http.StatusOK, dl.Code)
	assert.Equal(t, "image/jpeg", dl.Header().Get("Content-Type"))
	disposition, params, err := mime.ParseMediaType(dl.Header().Get("Content-Disposition"))
	require.NoError(t, err)
	assert.Equal(t, "attachment", disposition)
	assert.Equal(t, "vacation.jpg", params["filename"])
	assert.Equal(t, fmt.Sprint(len(stored)), dl.Header().Get("Content-Length"))
	assert.Empty(t, dl.Header().Get("Content-Encoding"))
	assert.Equal(t, stored, dl.Body.Bytes())

	require.Eventually(t, func() bool {
		w := env.do(t, httptest.NewRequest(http.MethodGet, res.DownloadPath, nil))
		return w.Code == http.StatusNotFound
	}, 3*time.Second, 20*time.Millisecond)

	gone := env.do(t, httptest.NewRequest(http.MethodGet, res.DownloadPath, nil))
	assert.Equal(t, "File not found", decodeBody(t, gone)["error"])

	got := env.analytics(t, "")
	assert.Equal(t, int64(1), got.SuccessfulConversions)
	assert.Zero(t, got.FailedConversions, "404 downloads are not conversion failures")
}

func TestDownloadHandler_NotFound(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{name: "unknown uuid", path: "/download/7d444840-9dc0-11d1-b245-5ffdce74fad2"},
		{name: "not a uuid", path: "/download/secret.jpg"},
		{name: "encoded traversal", path: "/download/..%2F..%2Fetc%2Fpasswd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, envOptions{})

			w := env.do(t, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, http.StatusNotFound, w.Code)
			assert.Equal(t, "File not found", decodeBody(t, w)["error"])
		})
	}
}

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var res HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))

	assert.Equal(t, "OK", res.Status)
	assert.Equal(t, "4545", res.Port)
	assert.GreaterOrEqual(t, res.UptimeSeconds, 0.0)

	_, err := time.Parse(time.RFC3339Nano, res.Timestamp)
	assert.NoError(t, err)
}

func TestAnalyticsHandler_Shape(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/analytics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	for _, key := range []string{"totalConversions", "successfulConversions", "failedConversions", "filesProcessed", "dailyArchive", "lastResetDate", "currentDate"} {
		assert.Contains(t, body, key)
	}
}

func TestAPIPrefix(t *testing.T) {
	env := newTestEnv(t, envOptions{apiPrefix: "/api/"})

	w := env.do(t, createUploadRequest(t, "/api/convert", UploadField, "vacation.heic", "image/heic", []byte("heic")))
	require.Equal(t, http.StatusOK, w.Code)

	var res ConvertResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, strings.HasPrefix(res.DownloadPath, "/api/download/"), res.DownloadPath)

	dl := env.do(t, httptest.NewRequest(http.MethodGet, res.DownloadPath, nil))
	assert.Equal(t, http.StatusOK, dl.Code)

	health := env.do(t, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, health.Code)

	assert.Equal(t, int64(1), env.analytics(t, "/api").SuccessfulConversions)
}

func TestFallbackHandler(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	noIndex := env.do(t, httptest.NewRequest(http.MethodGet, "/some/client/route", nil))
	assert.Equal(t, http.StatusNotFound, noIndex.Code)

	require.NoError(t, os.MkdirAll(filepath.Join(env.staticDir, "assets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(env.staticDir, "index.html"), []byte("<html>app</html>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(env.staticDir, "assets", "app.js"), []byte("console.log(1)"), 0o644))

	tests := []struct {
		name           string
		method         string
		path           string
		expectedStatus int
		expectedBody   string
	}{
		{name: "root", method: http.MethodGet, path: "/", expectedStatus: http.StatusOK, expectedBody: "<html>app</html>"},
		{name: "client route", method: http.MethodGet, path: "/history", expectedStatus: http.StatusOK, expectedBody: "<html>app</html>"},
		{name: "static asset", method: http.MethodGet, path: "/assets/app.js", expectedStatus: http.StatusOK, expectedBody: "console.log(1)"},
		{name: "unknown post", method: http.MethodPost, path: "/nowhere", expectedStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, httptest.NewRequest(tt.method, tt.path, nil))

			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedBody != "" {
				assert.Equal(t, tt.expectedBody, w.Body.String())
			}
		})
	}
}

func TestCompressionMiddleware(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Accept-Encoding", "gzip")

	w := env.do(t, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))

	gz, err := gzip.NewReader(w.Body)
	require.NoError(t, err)

	raw, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"status":"OK"`)
}

func TestCompressionMiddleware_EncoderFailure(t *testing.T) {
	saved := zstdOptions
	zstdOptions = []zstd.EOption{zstd.WithWindowSize(3)}
	t.Cleanup(func() { zstdOptions = saved })

	h := CompressionMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
	}))

	tests := []struct {
		name             string
		acceptEncoding   string
		expectedEncoding string
	}{
		{name: "zstd only falls back to identity", acceptEncoding: "zstd", expectedEncoding: ""},
		{name: "zstd then gzip", acceptEncoding: "zstd, gzip", expectedEncoding: "gzip"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Accept-Encoding", tt.acceptEncoding)

			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.expectedEncoding, w.Header().Get("Content-Encoding"))

			body := io.Reader(w.Body)
			if tt.expectedEncoding == "gzip" {
				gz, err := gzip.NewReader(w.Body)
				require.NoError(t, err)
				body = gz
			}

			raw, err := io.ReadAll(body)
			require.NoError(t, err)
			assert.Contains(t, string(raw), `"status":"OK"`)
		})
	}
}

func TestRecoverMiddleware(t *testing.T) {
	env := newTestEnv(t, envOptions{
		codec: func(ctx context.Context, input []byte, format codec.Format, quality float64) ([]byte, error) {
			panic("decoder crashed")
		},
	})

	w := env.do(t, createUploadRequest(t, "/convert", UploadField, "a.heic", "image/heic", []byte("x")))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Internal server error", decodeBody(t, w)["error"])

	got := env.analytics(t, "")
	assert.Equal(t, int64(1), got.FailedConversions)
	assert.Equal(t, int64(1), got.TotalConversions)
}

func TestErrorMessagesAreRedacted(t *testing.T) {
	var env *testEnv
	env = newTestEnv(t, envOptions{
		codec: func(ctx context.Context, input []byte, format codec.Format, quality float64) ([]byte, error) {
			return nil, codec.Errorf("cannot open %s", filepath.Join(env.uploadDir, "secret.heic"))
		},
	})

	w := env.do(t, createUploadRequest(t, "/convert", UploadField, "a.heic", "image/heic", []byte("x")))
	require.Equal(t, http.StatusInternalServerError, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "cannot open secret.heic", body["message"])
	assert.NotContains(t, w.Body.String(), env.uploadDir)
}

func TestSecurityAndCORSHeaders(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "SAMEORIGIN", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	preflight := httptest.NewRequest(http.MethodOptions, "/convert", nil)
	preflight.Header.Set("Origin", "http://localhost:5173")
	preflight.Header.Set("Access-Control-Request-Method", "POST")
	preflight.Header.Set("Access-Control-Request-Headers", "content-type")

	pw := env.do(t, preflight)
	assert.Equal(t, http.StatusNoContent, pw.Code)
	assert.Contains(t, pw.Header().Get("Access-Control-Allow-Methods"), "POST")
	assert.Equal(t, "content-type", pw.Header().Get("Access-Control-Allow-Headers"))
}

func TestConcurrentConversions(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	const n = 20
	results := make(chan int, n)

	reqs := make([]*http.Request, n)
	for i := range reqs {
		name := fmt.Sprintf("photo-%d.heic", i)
		reqs[i] = createUploadRequest(t, "/convert", UploadField, name, "image/heic", []byte(name))
	}

	for _, req := range reqs {
		go func(req *http.Request) {
			w := httptest.NewRecorder()
			env.handler.ServeHTTP(w, req)
			results <- w.Code
		}(req)
	}

	for i := 0; i < n; i++ {
		assert.Equal(t, http.StatusOK, <-results)
	}

	got := env.analytics(t, "")
	assert.Equal(t, int64(n), got.TotalConversions)
	assert.Equal(t, int64(n), got.SuccessfulConversions)
	assert.Zero(t, env.uploadsLeft(t))
}

func TestContentDisposition(t *testing.T) {
	tests := []struct {
		name     string
		filename string
	}{
		{name: "ascii", filename: "vacation.jpg"},
		{name: "spaces", filename: "IMG 0042.jpg"},
		{name: "non-ascii", filename: "写真 été.jpg"},
		{name: "quotes", filename: `say "cheese".jpg`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := contentDisposition(tt.filename)

			disposition, params, err := mime.ParseMediaType(header)
			require.NoError(t, err)
			assert.Equal(t, "attachment", disposition)
			assert.Equal(t, tt.filename, params["filename"])
		})
	}

	assert.Contains(t, contentDisposition("写真.jpg"), "filename*=utf-8''")
}

func TestConvertHandler_LongFilename(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	name := strings.Repeat("a", 240) + ".heic"

	w := env.do(t, createUploadRequest(t, "/convert", UploadField, name, "image/heic", []byte("heic")))
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	var res ConvertResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.True(t, strings.HasSuffix(res.Filename, ".jpg"))

	dl := env.do(t, httptest.NewRequest(http.MethodGet, res.DownloadPath, nil))
	assert.Equal(t, http.StatusOK, dl.Code)
	assert.Equal(t, int64(1), env.analytics(t, "").SuccessfulConversions)
}
