//go:build e2e

package e2e

import (
	"autofigure/internal/api"
	"autofigure/internal/callback"
	"autofigure/internal/config"
	"autofigure/internal/health"
	"autofigure/internal/job"
	"autofigure/internal/testutil"
	"autofigure/internal/upload"
	"autofigure/pkg/cloudevent"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// figureScript imitates the figure generator: it logs progress, writes the
// well-known artifacts, and honours FAKE_SLEEP and FAKE_EXIT.
const figureScript = `
out=""
ref=""
while [ $# -gt 0 ]; do
  case "$1" in
    --output_dir) out="$2"; shift 2 ;;
    --reference_image_path) ref="$2"; shift 2 ;;
    *) shift ;;
  esac
done
echo "[1/3] generating figure"
if [ -n "$ref" ]; then
  echo "styled after $(basename "$ref")"
fi
printf 'png' > "$out/figure.png"
sleep "${FAKE_SLEEP:-0.2}"
echo "[2/3] segmenting icons"
mkdir -p "$out/icons"
printf 'png' > "$out/icons/icon_1.png"
printf 'png' > "$out/icons/icon_1_nobg.png"
echo "[3/3] assembling svg"
printf '<svg/>' > "$out/template.svg"
printf '<svg/>' > "$out/final.svg"
if [ "${FAKE_EXIT:-0}" != "0" ]; then
  echo "assembly failed" >&2
fi
exit "${FAKE_EXIT:-0}"
`

// getTestURL returns the base URL for e2e tests.
// If E2E_API_URL is set, tests run against that instance.
// Otherwise, a test server is created.
func getTestURL(t *testing.T) (string, func()) {
	if url := os.Getenv("E2E_API_URL"); url != "" {
		t.Logf("Using external API: %s", url)
		return url, func() {}
	}

	server, _, cleanup := createTestServer(t)
	return server.URL, cleanup
}

func createTestServer(t *testing.T) (*httptest.Server, *job.Service, func()) {
	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "autofigure2.py"), []byte(figureScript), 0o644))

	eventDispatcher := callback.NewDispatcher(callback.Config{
		BufferSize: 100,
		Workers:    2,
	}, nil)
	forwarder := callback.NewForwarder(eventDispatcher, callback.Source)

	svc, err := job.NewService(job.Config{
		OutputsDir: filepath.Join(t.TempDir(), "outputs"),
		Script: config.ScriptConfig{
			Python:          "sh",
			Script:          "autofigure2.py",
			WorkDir:         workDir,
			Provider:        "openrouter",
			APIKey:          "sk-e2e",
			SAMBackend:      "roboflow",
			PlaceholderMode: "label",
			MergeThreshold:  0.01,
		},
		Monitor: job.MonitorConfig{
			PollInterval: 50 * time.Millisecond,
			Timeout:      30 * time.Second,
			GracePeriod:  time.Second,
			ExitDebounce: 2,
		},
	}, job.NewRegistry(), forwarder, nil)
	require.NoError(t, err)

	uploads, err := upload.NewStore(workDir, "uploads", 0)
	require.NoError(t, err)

	router := api.NewRouter(api.RouterConfig{
		JobService:        svc,
		HealthChecker:     health.NewChecker(svc).WithCallbacks(eventDispatcher),
		Uploads:           uploads,
		HeartbeatInterval: time.Second,
	})

	server := httptest.NewServer(router)

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
		// Drain relays and dispatcher before closing server so pending callbacks can be delivered
		forwarder.Wait(ctx)
		eventDispatcher.Close(ctx)
		server.Close()
	}

	return server, svc, cleanup
}

func createJob(t *testing.T, baseURL string, reqBody map[string]any) string {
	t.Helper()

	body, _ := json.Marshal(reqBody)
	resp, err := http.Post(baseURL+"/v1/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		data, _ := io.ReadAll(resp.Body)
		require.Failf(t, "job not accepted", "status %d: %s", resp.StatusCode, data)
	}

	var created job.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	return created.ID
}

func getStatus(t *testing.T, baseURL, jobID string) job.Status {
	t.Helper()

	resp, err := http.Get(baseURL + "/v1/jobs/" + jobID)
	require.NoError(t, err)
	defer resp.Body.Close()

	var status job.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	return status
}

func waitFinished(t *testing.T, baseURL, jobID string) job.Status {
	t.Helper()

	var status job.Status
	testutil.MustWaitFor(t, func() bool {
		status = getStatus(t, baseURL, jobID)
		return status.FinishedAt != nil
	}, testutil.WithTimeout(30*time.Second), testutil.WithInterval(100*time.Millisecond))
	return status
}

func TestAPI_Readyz(t *testing.T) {
	baseURL, cleanup := getTestURL(t)
	defer cleanup()

	resp, err := http.Get(baseURL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result health.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, health.StatusHealthy, result.Status)
}

func TestAPI_Livez(t *testing.T) {
	baseURL, cleanup := getTestURL(t)
	defer cleanup()

	resp, err := http.Get(baseURL + "/livez")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_JobCompletion(t *testing.T) {
	baseURL, cleanup := getTestURL(t)
	defer cleanup()

	jobID := createJob(t, baseURL, map[string]any{
		"text": "A protein binds to a receptor on the cell membrane",
	})

	status := waitFinished(t, baseURL, jobID)
	require.Equal(t, job.StateCompleted, status.State, status.Error)
	assert.Equal(t, 5, status.Artifacts)

	resp, err := http.Get(baseURL + "/v1/jobs/" + jobID + "/artifacts/final.svg")
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, "<svg/>", string(data))
}

func TestAPI_CreateAndCancelJob(t *testing.T) {
	t.Setenv("FAKE_SLEEP", "30")

	baseURL, cleanup := getTestURL(t)
	defer cleanup()

	jobID := createJob(t, baseURL, map[string]any{"text": "long running figure"})

	testutil.MustWaitFor(t, func() bool {
		return getStatus(t, baseURL, jobID).Artifacts > 0
	}, testutil.WithTimeout(10*time.Second))

	req, _ := http.NewRequest(http.MethodDelete, baseURL+"/v1/jobs/"+jobID, nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	status := waitFinished(t, baseURL, jobID)
	assert.Equal(t, job.StateCancelled, status.State)
}

func TestAPI_JobWithCallbacks(t *testing.T) {
	t.Setenv("FAKE_EXIT", "3")

	const signingKey = "e2e-signing-key"

	var eventCount atomic.Int64
	var mu sync.Mutex
	var received []*cloudevent.CloudEvent
	var badSignatures atomic.Int64

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.Header.Get(cloudevent.SignatureHeader) != cloudevent.Signature(body, signingKey) {
			badSignatures.Add(1)
		}

		var event cloudevent.CloudEvent
		if err := json.Unmarshal(body, &event); err == nil {
			mu.Lock()
			received = append(received, &event)
			t.Logf("Received callback event: %s", event.Type)
			mu.Unlock()
			eventCount.Add(1)
		}

		w.WriteHeader(http.StatusOK)
	})

	callbackServer := httptest.NewServer(handler)
	defer callbackServer.Close()

	baseURL, apiCleanup := getTestURL(t)

	jobID := createJob(t, baseURL, map[string]any{
		"text": "callback test",
		"callback": map[string]any{
			"url":    callbackServer.URL,
			"events": []string{"status"},
			"key":    signingKey,
		},
	})

	// Wait for the started and finished status events
	testutil.MustWaitForCount(t, &eventCount, 2, testutil.WithTimeout(30*time.Second))
	apiCleanup()

	assert.Zero(t, badSignatures.Load(), "every callback is signed")

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, received, 2, "only the status events")

	var finished *cloudevent.CloudEvent
	for _, e := range received {
		assert.Equal(t, "autofigure.job.status", e.Type)
		assert.Equal(t, jobID, e.Subject)
		assert.Equal(t, jobID, e.Data["jobId"])
		if e.Data["state"] == "finished" {
			finished = e
		}
	}
	require.NotNil(t, finished, "a finished status callback")
	assert.Equal(t, float64(3), finished.Data["code"])
	assert.Equal(t, "assembly failed", finished.Data["error"])
}

func TestAPI_InvalidJobRequest(t *testing.T) {
	baseURL, cleanup := getTestURL(t)
	defer cleanup()

	reqBody := map[string]any{
		"optimizeIterations": 2,
	}
	body, _ := json.Marshal(reqBody)

	resp, err := http.Post(baseURL+"/v1/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_ConcurrentJobs(t *testing.T) {
	baseURL, cleanup := getTestURL(t)
	defer cleanup()

	numJobs := 5
	var wg sync.WaitGroup
	ids := make(chan string, numJobs)
	errors := make(chan error, numJobs)

	for i := range numJobs {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			body, _ := json.Marshal(map[string]any{"text": fmt.Sprintf("figure %d", idx)})
			resp, err := http.Post(baseURL+"/v1/jobs", "application/json", bytes.NewReader(body))
			if err != nil {
				errors <- fmt.Errorf("job %d: create failed: %w", idx, err)
				return
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusAccepted {
				errors <- fmt.Errorf("job %d: expected 202, got %d", idx, resp.StatusCode)
				return
			}
			var created job.Response
			json.NewDecoder(resp.Body).Decode(&created)
			ids <- created.ID
		}(i)
	}

	wg.Wait()
	close(errors)
	close(ids)

	for err := range errors {
		assert.NoError(t, err)
	}

	seen := make(map[string]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate job ID %s", id)
		seen[id] = true

		status := waitFinished(t, baseURL, id)
		assert.Equal(t, job.StateCompleted, status.State, id)
	}
}

func TestAPI_JobWithUploadedReference(t *testing.T) {
	baseURL, cleanup := getTestURL(t)
	defer cleanup()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="style.webp"`)
	header.Set("Content-Type", "image/webp")
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write([]byte("RIFF....WEBP"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(baseURL+"/v1/uploads", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	var up upload.Upload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&up))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Regexp(t, `\.webp$`, up.Path)

	jobID := createJob(t, baseURL, map[string]any{
		"text":           "figure in the style of the reference",
		"referenceImage": up.Path,
	})
	status := waitFinished(t, baseURL, jobID)
	require.Equal(t, job.StateCompleted, status.State, status.Error)

	resp, err = http.Get(baseURL + "/v1/jobs/" + jobID + "/logs")
	require.NoError(t, err)
	logs, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(logs), "styled after "+filepath.Base(up.Path))
}
