package api

import (
	"archive/tar"
	"autofigure/internal/config"
	"autofigure/internal/eventbus"
	"autofigure/internal/health"
	"autofigure/internal/job"
	"autofigure/internal/testutil"
	"autofigure/internal/upload"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "test-key"

// scriptPreamble parses the output directory out of the script arguments.
const scriptPreamble = `
out=""
ref=""
while [ $# -gt 0 ]; do
  case "$1" in
    --output_dir) out="$2"; shift 2 ;;
    --reference_image_path) ref="$2"; shift 2 ;;
    *) shift ;;
  esac
done
`

type testServer struct {
	*httptest.Server
	svc     *job.Service
	workDir string
}

// newTestServer serves the full router over a job service that runs body
// through sh.
func newTestServer(t *testing.T, body string, heartbeat time.Duration) *testServer {
	t.Helper()

	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "figure.sh"), []byte(scriptPreamble+body), 0o644))

	svc, err := job.NewService(job.Config{
		OutputsDir: filepath.Join(t.TempDir(), "outputs"),
		Script: config.ScriptConfig{
			Python:          "sh",
			Script:          "figure.sh",
			WorkDir:         workDir,
			Provider:        "openrouter",
			APIKey:          "sk-test",
			SAMBackend:      "roboflow",
			PlaceholderMode: "label",
			MergeThreshold:  0.01,
		},
		Monitor: job.MonitorConfig{
			PollInterval: 20 * time.Millisecond,
			Timeout:      10 * time.Second,
			GracePeriod:  time.Second,
			ExitDebounce: 2,
			DrainWait:    time.Second,
		},
	}, job.NewRegistry(), nil, nil)
	require.NoError(t, err)

	uploads, err := upload.NewStore(workDir, "uploads", 0)
	require.NoError(t, err)

	srv := httptest.NewServer(NewRouter(RouterConfig{
		JobService:        svc,
		HealthChecker:     health.NewChecker(svc),
		Uploads:           uploads,
		APIKey:            testAPIKey,
		HeartbeatInterval: heartbeat,
	}))

	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	return &testServer{Server: srv, svc: svc, workDir: workDir}
}

func (s *testServer) do(t *testing.T, method, path string, body string) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	contentType := ""
	if body != "" {
		contentType = "application/json"
	}
	return s.send(t, method, path, contentType, reader)
}

func (s *testServer) send(t *testing.T, method, path, contentType string, body io.Reader) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, s.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := s.Client().Do(req)
	require.NoError(t, err, "%s %s", method, path)
	return resp
}

// multipartFile builds a form with one file part named field.
func multipartFile(t *testing.T, field, filename, contentType string, data []byte) (string, *bytes.Buffer) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "ignored"))

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	return mw.FormDataContentType(), &buf
}

func (s *testServer) upload(t *testing.T, filename, contentType string, data []byte) *http.Response {
	t.Helper()
	ct, body := multipartFile(t, "file", filename, contentType, data)
	return s.send(t, http.MethodPost, "/v1/uploads", ct, body)
}

func (s *testServer) create(t *testing.T, body string) string {
	t.Helper()

	resp := s.do(t, http.MethodPost, "/v1/jobs", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		data, _ := io.ReadAll(resp.Body)
		require.Failf(t, "job not accepted", "status %d: %s", resp.StatusCode, data)
	}

	var created job.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, job.StateAccepted, created.Status)
	return created.ID
}

func (s *testServer) status(t *testing.T, id string) job.Status {
	t.Helper()

	resp := s.do(t, http.MethodGet, "/v1/jobs/"+id, "")
	defer resp.Body.Close()

	var st job.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	return st
}

func (s *testServer) waitFinished(t *testing.T, id string) job.Status {
	t.Helper()

	var st job.Status
	testutil.MustWaitFor(t, func() bool {
		st = s.status(t, id)
		return st.FinishedAt != nil
	}, testutil.WithTimeout(15*time.Second), testutil.WithInterval(20*time.Millisecond))
	return st
}

// parseSSE splits a complete event stream into bus events. Comment lines
// are reported as events named after the comment text.
func parseSSE(t *testing.T, stream string) []eventbus.Event {
	t.Helper()

	var events []eventbus.Event
	for _, frame := range strings.Split(stream, "\n\n") {
		if strings.TrimSpace(frame) == "" {
			continue
		}
		var e eventbus.Event
		for _, line := range strings.Split(frame, "\n") {
			switch {
			case strings.HasPrefix(line, ":"):
				e.Name = strings.TrimSpace(strings.TrimPrefix(line, ":"))
			case strings.HasPrefix(line, "event: "):
				e.Name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e.Data), "event data %q", line)
			}
		}
		events = append(events, e)
	}
	return events
}

func (s *testServer) events(t *testing.T, id string) []eventbus.Event {
	t.Helper()

	resp := s.do(t, http.MethodGet, "/v1/jobs/"+id+"/events", "")
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return parseSSE(t, string(data))
}

func TestServer_JobLifecycle(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, `
echo "generating"
printf 'png' > "$out/figure.png"
printf '<svg/>' > "$out/final.svg"
`, 0)

	id := srv.create(t, `{"text": "A transformer with attention arrows"}`)
	st := srv.waitFinished(t, id)

	require.Equal(t, job.StateCompleted, st.State, st.Error)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 0, *st.ExitCode)

	// Replay after completion: sorted artifacts, then the terminal status.
	events := srv.events(t, id)
	require.Len(t, events, 3)
	assert.Equal(t, []string{"figure.png", "final.svg"}, testutil.ArtifactPaths(events))
	assert.Equal(t, "/v1/jobs/"+id+"/artifacts/figure.png", events[0].Data["url"])
	assert.Equal(t, eventbus.EventStatus, events[2].Name)
	assert.Equal(t, "finished", events[2].Data["state"])

	// List
	resp := srv.do(t, http.MethodGet, "/v1/jobs", "")
	var list job.ListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, id, list.Jobs[0].ID)

	// Logs
	resp = srv.do(t, http.MethodGet, "/v1/jobs/"+id+"/logs", "")
	logData, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(logData), "[stdout] generating")
	assert.NotContains(t, string(logData), "sk-test", "API key leaked into the run log")

	// Artifact listing
	resp = srv.do(t, http.MethodGet, "/v1/jobs/"+id+"/artifacts", "")
	var listing struct {
		Artifacts []struct {
			Kind string `json:"kind"`
			Path string `json:"path"`
		} `json:"artifacts"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	resp.Body.Close()
	assert.Len(t, listing.Artifacts, 3)

	// Artifact fetch
	resp = srv.do(t, http.MethodGet, "/v1/jobs/"+id+"/artifacts/final.svg", "")
	svg, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<svg/>", string(svg))

	resp = srv.do(t, http.MethodGet, "/v1/jobs/"+id+"/artifacts/missing.png", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Archive
	resp = srv.do(t, http.MethodGet, "/v1/jobs/"+id+"/archive", "")
	names := tarNames(t, resp.Body)
	resp.Body.Close()
	assert.Subset(t, names, []string{"figure.png", "final.svg", "run.log"})

	// Cancelling a finished job is not an error.
	resp = srv.do(t, http.MethodDelete, "/v1/jobs/"+id, "")
	var cancelResp job.CancelResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cancelResp))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, job.CancelAlreadyFinished, cancelResp.Status)
}

func TestServer_LiveStreamEndsWithClose(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, `
sleep 0.3
echo "halfway"
printf 'png' > "$out/figure.png"
echo "oops" >&2
exit 2
`, 0)

	id := srv.create(t, `{"text": "x"}`)
	events := srv.events(t, id)

	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, eventbus.EventClose, events[len(events)-1].Name, "stream ends with close")

	finished := testutil.Terminal(t, events)
	assert.Equal(t, float64(2), finished["code"])
	assert.Equal(t, "oops", finished["error"])
}

func TestServer_Heartbeat(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, "sleep 0.5", 50*time.Millisecond)

	id := srv.create(t, `{"text": "x"}`)
	events := srv.events(t, id)

	assert.NotEmpty(t, testutil.Named(events, "keepalive"), "keepalive comments while idle")
}

func TestServer_CancelRunningJob(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, "exec sleep 30", 0)

	id := srv.create(t, `{"text": "x"}`)
	testutil.MustWaitFor(t, func() bool {
		return srv.status(t, id).Phase == job.PhaseRunning.String()
	}, testutil.WithTimeout(5*time.Second), testutil.WithInterval(10*time.Millisecond))

	resp := srv.do(t, http.MethodDelete, "/v1/jobs/"+id, "")
	var cancelResp job.CancelResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cancelResp))
	resp.Body.Close()
	assert.Equal(t, job.CancelRequested, cancelResp.Status)

	st := srv.waitFinished(t, id)
	assert.Equal(t, job.StateCancelled, st.State)
}

func TestServer_Errors(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, "exit 0", 0)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"blank text", http.MethodPost, "/v1/jobs", `{"text": "  "}`, http.StatusBadRequest},
		{"bad iterations", http.MethodPost, "/v1/jobs", `{"text": "x", "optimizeIterations": 99}`, http.StatusBadRequest},
		{"absolute reference", http.MethodPost, "/v1/jobs", `{"text": "x", "referenceImage": "/etc/passwd"}`, http.StatusBadRequest},
		{"missing reference", http.MethodPost, "/v1/jobs", `{"text": "x", "referenceImage": "uploads/missing.png"}`, http.StatusBadRequest},
		{"bad callback", http.MethodPost, "/v1/jobs", `{"text": "x", "callback": {"url": "not a url"}}`, http.StatusBadRequest},
		{"unknown job", http.MethodGet, "/v1/jobs/nope", "", http.StatusNotFound},
		{"unknown job events", http.MethodGet, "/v1/jobs/nope/events", "", http.StatusNotFound},
		{"unknown job cancel", http.MethodDelete, "/v1/jobs/nope", "", http.StatusNotFound},
		{"unknown job logs", http.MethodGet, "/v1/jobs/nope/logs", "", http.StatusNotFound},
		{"unknown job archive", http.MethodGet, "/v1/jobs/nope/archive", "", http.StatusNotFound},
		{"unknown upload", http.MethodGet, "/v1/uploads/nope.png", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := srv.do(t, tt.method, tt.path, tt.body)
			defer resp.Body.Close()

			data, _ := io.ReadAll(resp.Body)
			assert.Equal(t, tt.want, resp.StatusCode, string(data))
		})
	}
}

func TestServer_Unauthorized(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, "exit 0", 0)

	for _, path := range []string{"/v1/jobs", "/v1/uploads/x.png"} {
		resp, err := srv.Client().Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestServer_EventStreamQueryToken(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, "exit 0", 0)
	id := srv.create(t, `{"text": "x"}`)
	srv.waitFinished(t, id)

	resp, err := srv.Client().Get(srv.URL + "/v1/jobs/" + id + "/events?access_token=" + testAPIKey)
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "finished", testutil.Terminal(t, parseSSE(t, string(data)))["state"])

	// The query token only opens event streams.
	resp, err = srv.Client().Get(srv.URL + "/v1/jobs/" + id + "?access_token=" + testAPIKey)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, "exit 0", 0)

	resp, err := srv.Client().Get(srv.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_UploadReferenceImage(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, `
[ -f "$ref" ] || exit 3
cp "$ref" "$out/reference.png"
`, 0)
	image := []byte("\x89PNG\r\n\x1a\nreference")

	resp := srv.upload(t, "sketch.PNG", "image/png", image)
	var up upload.Upload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&up))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	assert.Equal(t, "sketch.PNG", up.Name)
	assert.Regexp(t, `^uploads/[0-9a-f]{32}\.png$`, up.Path)
	assert.Equal(t, "/v1/uploads/"+strings.TrimPrefix(up.Path, "uploads/"), up.URL)

	stored, err := os.ReadFile(filepath.Join(srv.workDir, filepath.FromSlash(up.Path)))
	require.NoError(t, err)
	assert.Equal(t, image, stored)

	resp = srv.do(t, http.MethodGet, up.URL, "")
	served, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, image, served)

	// The returned path is what a job's referenceImage takes.
	id := srv.create(t, `{"text": "x", "referenceImage": "`+up.Path+`"}`)
	st := srv.waitFinished(t, id)
	require.Equal(t, job.StateCompleted, st.State, st.Error)

	resp = srv.do(t, http.MethodGet, "/v1/jobs/"+id+"/artifacts/reference.png", "")
	copied, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, image, copied)
}

func TestServer_UploadErrors(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, "exit 0", 0)

	t.Run("not an image", func(t *testing.T) {
		resp := srv.upload(t, "notes.txt", "text/plain", []byte("hello"))
		defer resp.Body.Close()

		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "only image files are supported", body["error"])
	})

	t.Run("empty file", func(t *testing.T) {
		resp := srv.upload(t, "blank.png", "image/png", nil)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing file field", func(t *testing.T) {
		ct, body := multipartFile(t, "image", "a.png", "image/png", []byte("png"))
		resp := srv.send(t, http.MethodPost, "/v1/uploads", ct, body)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("json body", func(t *testing.T) {
		resp := srv.send(t, http.MethodPost, "/v1/uploads", "application/json", strings.NewReader(`{}`))
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	})

	t.Run("raw body", func(t *testing.T) {
		resp := srv.send(t, http.MethodPost, "/v1/uploads", "", strings.NewReader("png"))
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHandler_UploadReference_TooLarge(t *testing.T) {
	t.Parallel()
	workDir := t.TempDir()
	store, err := upload.NewStore(workDir, "uploads", 8)
	require.NoError(t, err)
	handler := &Handler{uploads: store}

	ct, body := multipartFile(t, "file", "big.png", "image/png", bytes.Repeat([]byte("x"), 16))
	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()

	handler.UploadReference(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "file exceeds maximum size of 8 bytes")

	entries, err := os.ReadDir(filepath.Join(workDir, "uploads"))
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected uploads leave nothing behind")
}

func TestHandler_GetUpload_RejectsEscape(t *testing.T) {
	t.Parallel()
	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "figure.sh"), []byte("exit 0"), 0o644))
	store, err := upload.NewStore(workDir, "uploads", 0)
	require.NoError(t, err)
	handler := &Handler{uploads: store}

	for _, name := range []string{"../figure.sh", "..", "/etc/passwd"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/uploads/x", nil)
		req.SetPathValue("name", name)
		w := httptest.NewRecorder()

		handler.GetUpload(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code, name)
	}
}

func TestHandler_GetArtifact_RejectsEscape(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, `printf 'png' > "$out/figure.png"`, 0)
	id := srv.create(t, `{"text": "x"}`)
	srv.waitFinished(t, id)

	handler := NewHandler(srv.svc, nil, nil, 0)
	for _, p := range []string{"../figure.png", "icons/../../run.log", "/etc/passwd"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+id+"/artifacts/x", nil)
		req.SetPathValue("jobId", id)
		req.SetPathValue("path", p)
		w := httptest.NewRecorder()

		handler.GetArtifact(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code, p)
	}
}

func tarNames(t *testing.T, r io.Reader) []string {
	t.Helper()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err, "archive is not gzip")
	defer gz.Close()

	var names []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return names
		}
		require.NoError(t, err, "invalid tar")
		names = append(names, hdr.Name)
	}
}
