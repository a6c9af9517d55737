package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/soma-tiles/scmtl/internal/cache"
	"github.com/soma-tiles/scmtl/internal/render"
	"github.com/soma-tiles/scmtl/internal/runstore"
)

// testServer holds the test server and its dependencies
type testServer struct {
	server *httptest.Server
	jm     *JobManager
	cache  *cache.Manager
}

// fakeExecutor stores a fixed 3x3 distance and two criteria.
func fakeExecutor(ctx context.Context, store *runstore.Store, jobID string) error {
	store.UpdateJobProgress(jobID, "computing", 1, 1)
	if err := store.InsertScores(jobID, []runstore.CellScore{
		{Cell: 0, Criterion: "kurtosis", Score: 1},
		{Cell: 1, Criterion: "kurtosis", Score: math.NaN()},
		{Cell: 2, Criterion: "kurtosis", Score: 3},
		{Cell: 0, Criterion: "L1 dist H", Score: 0.5},
	}); err != nil {
		return err
	}
	return store.SaveDistance(jobID, mat.NewSymDense(3, []float64{
		0, 1, 2,
		1, 0, 3,
		2, 3, 0,
	}))
}

func setupTestServer(t *testing.T, exec Executor) *testServer {
	t.Helper()

	jm, err := NewJobManager(JobManagerConfig{
		MaxConcurrent: 1,
		SQLitePath:    filepath.Join(t.TempDir(), "jobs.sqlite"),
	})
	require.NoError(t, err)
	jm.Executor = exec
	jm.Start()

	cacheManager, err := cache.NewManager(cache.Config{
		HeatmapCacheSizeMB: 8,
		HeatmapTTL:         5 * time.Minute,
	})
	require.NoError(t, err)

	router := NewRouter(RouterConfig{
		CORSOrigins: []string{"http://localhost:3000"},
		JobManager:  jm,
		Cache:       cacheManager,
		Renderer:    render.NewHeatmapRenderer(render.Config{Size: 32, DefaultColormap: "viridis"}),
	})

	ts := &testServer{server: httptest.NewServer(router), jm: jm, cache: cacheManager}
	t.Cleanup(ts.close)
	return ts
}

// close cleans up test server resources
func (ts *testServer) close() {
	ts.server.Close()
	ts.jm.Stop()
	ts.cache.Close()
}

func (ts *testServer) submit(t *testing.T, body string) string {
	t.Helper()
	resp, err := http.Post(ts.server.URL+"/api/jobs", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.JobID)
	return out.JobID
}

func (ts *testServer) waitFor(t *testing.T, jobID string, status runstore.JobStatus) *runstore.Job {
	t.Helper()
	var job *runstore.Job
	require.Eventually(t, func() bool {
		job = ts.jm.Get(jobID)
		return job != nil && job.Status == status
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

const validJob = `{"target_path":"/data/t.tsv","target_gene_ids_path":"/data/g.tsv","metric":"pearson","mixture":0.3}`

func TestHealth(t *testing.T) {
	ts := setupTestServer(t, fakeExecutor)
	resp, body := get(t, ts.server.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestSubmitValidation(t *testing.T) {
	ts := setupTestServer(t, fakeExecutor)

	cases := map[string]string{
		"malformed":      `{`,
		"missing target": `{"target_gene_ids_path":"/g.tsv"}`,
		"unknown metric": `{"target_path":"/t.tsv","target_gene_ids_path":"/g.tsv","metric":"hamming"}`,
		"mixture above":  `{"target_path":"/t.tsv","target_gene_ids_path":"/g.tsv","mixture":1.5}`,
		"negative k":     `{"target_path":"/t.tsv","target_gene_ids_path":"/g.tsv","k":-1}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(ts.server.URL+"/api/jobs", "application/json", strings.NewReader(body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestJobLifecycle(t *testing.T) {
	ts := setupTestServer(t, fakeExecutor)
	id := ts.submit(t, validJob)
	job := ts.waitFor(t, id, runstore.JobStatusCompleted)
	assert.Equal(t, "pearson", job.Params.Metric)

	resp, body := get(t, ts.server.URL+"/api/jobs/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status runstore.Job
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, runstore.JobStatusCompleted, status.Status)
	require.NotNil(t, status.Params.Mixture)
	assert.Equal(t, 0.3, *status.Params.Mixture)

	resp, body = get(t, ts.server.URL+"/api/jobs/"+id+"/rejection?criterion=kurtosis")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rej struct {
		Criteria map[string][]*float64 `json:"criteria"`
	}
	require.NoError(t, json.Unmarshal(body, &rej))
	require.Len(t, rej.Criteria["kurtosis"], 3)
	assert.Nil(t, rej.Criteria["kurtosis"][1])
	assert.Equal(t, 3.0, *rej.Criteria["kurtosis"][2])
	assert.NotContains(t, rej.Criteria, "L1 dist H")

	resp, _ = get(t, ts.server.URL+"/api/jobs/"+id+"/rejection?criterion=nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = get(t, ts.server.URL+"/api/jobs/"+id+"/distance")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/tab-separated-values", resp.Header.Get("Content-Type"))
	assert.Equal(t, "0\t1\t2\n1\t0\t3\n2\t3\t0\n", string(body))
}

func TestHeatmapCaching(t *testing.T) {
	ts := setupTestServer(t, fakeExecutor)
	id := ts.submit(t, validJob)
	ts.waitFor(t, id, runstore.JobStatusCompleted)

	resp, body := get(t, ts.server.URL+"/api/jobs/"+id+"/heatmap.png?colormap=magma")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))
	img, err := png.Decode(bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())

	resp, _ = get(t, ts.server.URL+"/api/jobs/"+id+"/heatmap.png?colormap=magma")
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))

	resp, _ = get(t, ts.server.URL+"/api/jobs/"+id+"/heatmap.png?colormap=jet")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteFinishedJob(t *testing.T) {
	ts := setupTestServer(t, fakeExecutor)
	id := ts.submit(t, validJob)
	ts.waitFor(t, id, runstore.JobStatusCompleted)

	req, err := http.NewRequest(http.MethodDelete, ts.server.URL+"/api/jobs/"+id, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = get(t, ts.server.URL+"/api/jobs/"+id)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelRunningJob(t *testing.T) {
	started := make(chan struct{})
	blocking := func(ctx context.Context, store *runstore.Store, jobID string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	ts := setupTestServer(t, blocking)
	id := ts.submit(t, validJob)
	<-started

	req, err := http.NewRequest(http.MethodDelete, ts.server.URL+"/api/jobs/"+id, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, true, out["cancelled"])

	ts.waitFor(t, id, runstore.JobStatusCancelled)

	resp2, _ := get(t, ts.server.URL+"/api/jobs/"+id+"/distance")
	assert.Equal(t, http.StatusConflict, resp2.StatusCode)
}

func TestFailedJobRecordsError(t *testing.T) {
	failing := func(ctx context.Context, store *runstore.Store, jobID string) error {
		return assert.AnError
	}
	ts := setupTestServer(t, failing)
	id := ts.submit(t, validJob)
	job := ts.waitFor(t, id, runstore.JobStatusFailed)
	assert.Equal(t, assert.AnError.Error(), job.Error)
	assert.NotNil(t, job.FinishedAt)
}

func TestUnknownJob(t *testing.T) {
	ts := setupTestServer(t, fakeExecutor)
	resp, _ := get(t, ts.server.URL+"/api/jobs/does-not-exist")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
