package cli

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/faqeel/sparkify-pipeline/pkg/models"
	"github.com/faqeel/sparkify-pipeline/pkg/sparkify"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	root := &cobra.Command{Use: "sparkify"}
	SetupCLI(root)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestGraphCommand(t *testing.T) {
	t.Setenv("SPARKIFY_CONFIG", "")
	out, err := execute(t, "graph")
	require.NoError(t, err)
	assert.Contains(t, out, "Graph final_project (owner=udacity, schedule=@hourly, retries=3, retry_delay=5m0s, catchup=false)")
	assert.Contains(t, out, "  Begin_execution\n")
	assert.Contains(t, out, sparkify.LoadSongplaysTask+" <- "+sparkify.StageEventsTask+", "+sparkify.StageSongsTask)
	assert.Contains(t, out, sparkify.QualityChecksTask+" <- ")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestRunsCommandsValidateArguments(t *testing.T) {
	_, err := execute(t, "runs", "show", "abc")
	assert.ErrorContains(t, err, `invalid run id "abc"`)

	_, err = execute(t, "runs", "update", "id=0", "status=FAILED")
	assert.ErrorContains(t, err, "invalid run id")

	_, err = execute(t, "run", "--date", "tomorrow")
	assert.ErrorContains(t, err, "invalid logical date")
}

func TestArgValue(t *testing.T) {
	assert.Equal(t, "3", argValue("id=3"))
	assert.Equal(t, "3", argValue("3"))
	id, err := parseID("id=42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestPrintRuns(t *testing.T) {
	var buf bytes.Buffer
	printRuns(&buf, nil)
	assert.Equal(t, "No runs found.\n", buf.String())

	buf.Reset()
	date := time.Date(2018, 11, 1, 0, 0, 0, 0, time.UTC)
	printRuns(&buf, []models.Run{{ID: 1, GraphName: "final_project", LogicalDate: date, Status: models.CompletedRunStatus, CreatedAt: date}})
	assert.Equal(t, "Runs:\n- ID: 1, Graph: final_project, Logical date: 2018-11-01T00:00:00Z, Status: COMPLETED, Created: 2018-11-01T00:00:00Z\n", buf.String())
}

func TestPrintRun(t *testing.T) {
	var buf bytes.Buffer
	printRun(&buf, models.Run{
		ID:          7,
		RunKey:      "key",
		GraphName:   "final_project",
		LogicalDate: time.Date(2018, 11, 1, 0, 0, 0, 0, time.UTC),
		Status:      models.FailedRunStatus,
		Tasks: []models.TaskRun{
			{ID: "Stage_events", Status: models.FailedTaskStatus, Attempts: 4, Retries: 3, ErrorMsg: "copy failed"},
		},
	})
	out := buf.String()
	assert.Contains(t, out, "Run 7 (key) of final_project for 2018-11-01T00:00:00Z: FAILED\n")
	assert.Contains(t, out, "attempts=4/4 error=copy failed")
}

func TestLogNotifier(t *testing.T) {
	logger, hook := test.NewNullLogger()
	n := NewLogNotifier(logger)
	n.NotifyRetry(context.Background(), models.Run{ID: 3, GraphName: "final_project"}, "Stage_events", 1, errors.New("timeout"))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "Stage_events", entry.Data["task"])
	assert.Equal(t, int64(3), entry.Data["run_id"])
	assert.Equal(t, "Task Stage_events will be retried: timeout", entry.Message)
}
