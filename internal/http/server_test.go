package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	internal_http "github.com/faqeel/sparkify-pipeline/internal/http"
	"github.com/faqeel/sparkify-pipeline/internal/log"
	"github.com/faqeel/sparkify-pipeline/pkg/graph"
	"github.com/faqeel/sparkify-pipeline/pkg/models"
	"github.com/faqeel/sparkify-pipeline/pkg/service"
	"github.com/faqeel/sparkify-pipeline/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepTask struct {
	name string
	err  error
}

func (s stepTask) Name() string { return s.name }

func (s stepTask) Execute(ctx context.Context, rc graph.RunContext) error { return s.err }

func newGraph(t *testing.T, err error) *graph.Graph {
	settings := graph.DefaultSettings()
	settings.Retries = 0
	b := graph.NewBuilder("http_project", settings)
	stage := stepTask{name: "Stage_events"}
	load := stepTask{name: "Load_songplays_fact_table", err: err}
	require.NoError(t, b.AddTask(stage))
	require.NoError(t, b.AddTask(load))
	require.NoError(t, b.Connect(b.Start(), stage))
	require.NoError(t, b.Connect(stage, load))
	require.NoError(t, b.Connect(load, b.End()))
	g, buildErr := b.Build()
	require.NoError(t, buildErr)
	return g
}

// sleepTask records how many executions of it are in flight at once.
type sleepTask struct {
	name     string
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (s *sleepTask) Name() string { return s.name }

func (s *sleepTask) Execute(ctx context.Context, rc graph.RunContext) error {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(50 * time.Millisecond)
	return nil
}

func newServer(t *testing.T, g *graph.Graph) (*httptest.Server, *service.RunService) {
	svc := service.NewRunService(storage.NewMockStore(), log.GetLogger())
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(internal_http.NewMux(ctx, svc, g))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv, svc
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeRun(t *testing.T, resp *http.Response) models.Run {
	defer resp.Body.Close()
	var run models.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	return run
}

func TestServer(t *testing.T) {
	t.Run("Health", func(t *testing.T) {
		srv, _ := newServer(t, newGraph(t, nil))
		resp, err := http.Get(srv.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "sparkify server is running", string(body))
	})

	t.Run("TriggerAndWait", func(t *testing.T) {
		srv, _ := newServer(t, newGraph(t, nil))
		resp := postJSON(t, srv.URL+"/runs", map[string]interface{}{
			"logical_date": "2018-11-01T00:00:00Z",
			"wait":         true,
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		run := decodeRun(t, resp)
		assert.Equal(t, models.CompletedRunStatus, run.Status)
		assert.Equal(t, "http_project", run.GraphName)
		assert.Len(t, run.Tasks, 4)

		resp, err := http.Get(srv.URL + "/runs/" + strconv.FormatInt(run.ID, 10))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		fetched := decodeRun(t, resp)
		assert.Equal(t, run.RunKey, fetched.RunKey)
		for _, task := range fetched.Tasks {
			assert.Equal(t, models.CompletedTaskStatus, task.Status, task.ID)
		}
	})

	t.Run("FailedRunIsReported", func(t *testing.T) {
		srv, _ := newServer(t, newGraph(t, errors.New("insert failed")))
		resp := postJSON(t, srv.URL+"/runs", map[string]interface{}{
			"logical_date": "2018-11-01",
			"wait":         true,
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		run := decodeRun(t, resp)
		assert.Equal(t, models.FailedRunStatus, run.Status)
	})

	t.Run("TriggerInBackground", func(t *testing.T) {
		srv, svc := newServer(t, newGraph(t, nil))
		resp := postJSON(t, srv.URL+"/runs", map[string]string{"logical_date": "2018-11-01T01:00:00Z"})
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		run := decodeRun(t, resp)
		assert.Eventually(t, func() bool {
			got, err := svc.GetRun(run.ID)
			return err == nil && got.Status == models.CompletedRunStatus
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("BackgroundTriggersNeverOverlap", func(t *testing.T) {
		slow := &sleepTask{name: "Stage_events"}
		b := graph.NewBuilder("http_project", graph.DefaultSettings())
		require.NoError(t, b.Connect(b.Start(), slow))
		require.NoError(t, b.Connect(slow, b.End()))
		g, err := b.Build()
		require.NoError(t, err)
		srv, svc := newServer(t, g)

		var runs []models.Run
		for _, d := range []string{"2018-11-01T00:00:00Z", "2018-11-01T01:00:00Z"} {
			resp := postJSON(t, srv.URL+"/runs", map[string]string{"logical_date": d})
			assert.Equal(t, http.StatusAccepted, resp.StatusCode)
			runs = append(runs, decodeRun(t, resp))
		}
		assert.Eventually(t, func() bool {
			for _, run := range runs {
				got, err := svc.GetRun(run.ID)
				if err != nil || got.Status != models.CompletedRunStatus {
					return false
				}
			}
			return true
		}, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, int32(1), slow.peak.Load())
	})

	t.Run("DuplicateLogicalDate", func(t *testing.T) {
		srv, _ := newServer(t, newGraph(t, nil))
		body := map[string]interface{}{"logical_date": "2018-11-01T00:00:00Z", "wait": true}
		resp := postJSON(t, srv.URL+"/runs", body)
		resp.Body.Close()
		resp = postJSON(t, srv.URL+"/runs", body)
		resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("InvalidBody", func(t *testing.T) {
		srv, _ := newServer(t, newGraph(t, nil))
		resp, err := http.Post(srv.URL+"/runs", "application/json", bytes.NewBufferString("{"))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp = postJSON(t, srv.URL+"/runs", map[string]string{"logical_date": "yesterday"})
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("ListRuns", func(t *testing.T) {
		srv, _ := newServer(t, newGraph(t, nil))
		for _, d := range []string{"2018-11-01T00:00:00Z", "2018-11-01T01:00:00Z"} {
			resp := postJSON(t, srv.URL+"/runs", map[string]interface{}{"logical_date": d, "wait": true})
			resp.Body.Close()
		}
		resp, err := http.Get(srv.URL + "/runs")
		require.NoError(t, err)
		defer resp.Body.Close()
		var runs []models.Run
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
		assert.Len(t, runs, 2)
	})

	t.Run("UpdateRunStatus", func(t *testing.T) {
		srv, svc := newServer(t, newGraph(t, nil))
		run, err := svc.CreateRun(newGraph(t, nil), time.Date(2018, 11, 2, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)

		update := func(status string) int {
			data, _ := json.Marshal(map[string]interface{}{"id": run.ID, "status": status})
			req, err := http.NewRequest(http.MethodPut, srv.URL+"/runs", bytes.NewReader(data))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			return resp.StatusCode
		}
		assert.Equal(t, http.StatusOK, update("failed"))
		got, err := svc.GetRun(run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.FailedRunStatus, got.Status)
		assert.Equal(t, http.StatusBadRequest, update("exploded"))
	})

	t.Run("ExecutionLogs", func(t *testing.T) {
		srv, _ := newServer(t, newGraph(t, nil))
		resp := postJSON(t, srv.URL+"/runs", map[string]interface{}{"logical_date": "2018-11-01", "wait": true})
		run := decodeRun(t, resp)

		resp, err := http.Get(srv.URL + "/runs/" + strconv.FormatInt(run.ID, 10) + "/logs")
		require.NoError(t, err)
		defer resp.Body.Close()
		var logs []models.ExecutionLog
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&logs))
		assert.NotEmpty(t, logs)
	})

	t.Run("UnknownRun", func(t *testing.T) {
		srv, _ := newServer(t, newGraph(t, nil))
		resp, err := http.Get(srv.URL + "/runs/999")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		resp, err = http.Get(srv.URL + "/runs/abc")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("MethodNotAllowed", func(t *testing.T) {
		srv, _ := newServer(t, newGraph(t, nil))
		req, err := http.NewRequest(http.MethodDelete, srv.URL+"/runs", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestParseLogicalDate(t *testing.T) {
	d, err := internal_http.ParseLogicalDate("2018-11-01T05:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2018, 11, 1, 3, 0, 0, 0, time.UTC), d)

	d, err = internal_http.ParseLogicalDate("2018-11-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2018, 11, 1, 0, 0, 0, 0, time.UTC), d)

	_, err = internal_http.ParseLogicalDate("11/01/2018")
	assert.Error(t, err)
}
