package activity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otto/internal/task"
)

func ms(v int64) *int64 { return &v }

func entry(taskID, step string, status task.LogStatus, detail map[string]string, dur *int64) task.LogEntry {
	return task.LogEntry{
		TaskID:     taskID,
		Step:       step,
		Status:     status,
		Detail:     detail,
		DurationMS: dur,
		CreatedAt:  time.Now(),
	}
}

func TestCollapseMergesStartedWithTerminal(t *testing.T) {
	out := Collapse([]task.LogEntry{
		entry("t1", "a", task.LogStarted, map[string]string{"message": "working"}, nil),
		entry("t1", "a", task.LogCompleted, nil, ms(120)),
	})

	require.Len(t, out, 1)
	assert.Equal(t, task.LogCompleted, out[0].Status)
	require.NotNil(t, out[0].DurationMS)
	assert.Equal(t, int64(120), *out[0].DurationMS)
	assert.Equal(t, "working", out[0].Detail["message"])
}

func TestCollapseStandaloneTerminal(t *testing.T) {
	out := Collapse([]task.LogEntry{
		entry("t1", "a", task.LogFailed, map[string]string{"error": "nope"}, nil),
	})

	require.Len(t, out, 1)
	assert.Equal(t, task.LogFailed, out[0].Status)
	assert.Equal(t, "nope", out[0].Detail["error"])
}

func TestCollapseTerminalDetailWinsOnCollision(t *testing.T) {
	out := Collapse([]task.LogEntry{
		entry("t1", "a", task.LogStarted, map[string]string{"message": "starting", "path": "/tmp/x"}, nil),
		entry("t1", "a", task.LogFailed, map[string]string{"message": "broke"}, ms(40)),
	})

	require.Len(t, out, 1)
	assert.Equal(t, task.LogFailed, out[0].Status)
	assert.Equal(t, "broke", out[0].Detail["message"])
	assert.Equal(t, "/tmp/x", out[0].Detail["path"])
}

func TestCollapseKeepsMergedPosition(t *testing.T) {
	out := Collapse([]task.LogEntry{
		entry("t1", "a", task.LogStarted, nil, nil),
		entry("t1", "b", task.LogStarted, nil, nil),
		entry("t1", "a", task.LogCompleted, nil, ms(10)),
	})

	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].Step)
	assert.Equal(t, task.LogCompleted, out[0].Status)
	assert.Equal(t, "b", out[1].Step)
	assert.Equal(t, task.LogStarted, out[1].Status)
}

func TestCollapseOutOfOrderTerminalYieldsTwoLines(t *testing.T) {
	out := Collapse([]task.LogEntry{
		entry("t1", "a", task.LogCompleted, nil, ms(10)),
		entry("t1", "a", task.LogStarted, nil, nil),
	})

	require.Len(t, out, 2)
	assert.Equal(t, task.LogCompleted, out[0].Status)
	assert.Equal(t, task.LogStarted, out[1].Status)
}

func TestCollapseSameStepAcrossTasksStaysSeparate(t *testing.T) {
	out := Collapse([]task.LogEntry{
		entry("t1", "a", task.LogStarted, nil, nil),
		entry("t2", "a", task.LogCompleted, nil, ms(5)),
	})

	require.Len(t, out, 2)
	assert.Equal(t, "t1", out[0].TaskID)
	assert.Equal(t, task.LogStarted, out[0].Status)
	assert.Equal(t, "t2", out[1].TaskID)
	assert.Equal(t, task.LogCompleted, out[1].Status)
}

func TestCollapseInfoAndUnknownAppendAsIs(t *testing.T) {
	out := Collapse([]task.LogEntry{
		entry("t1", "a", task.LogStarted, nil, nil),
		entry("t1", "a", task.LogInfo, map[string]string{"message": "fyi"}, nil),
		entry("t1", "a", task.LogStatus("mystery"), nil, nil),
		entry("t1", "a", task.LogCompleted, nil, ms(7)),
	})

	require.Len(t, out, 3)
	assert.Equal(t, task.LogCompleted, out[0].Status)
	assert.Equal(t, task.LogInfo, out[1].Status)
	assert.Equal(t, task.LogStatus("mystery"), out[2].Status)
}

func TestCollapseRepeatedStep(t *testing.T) {
	out := Collapse([]task.LogEntry{
		entry("t1", "a", task.LogStarted, nil, nil),
		entry("t1", "a", task.LogCompleted, nil, ms(1)),
		entry("t1", "a", task.LogStarted, nil, nil),
		entry("t1", "a", task.LogSkipped, nil, nil),
	})

	require.Len(t, out, 2)
	assert.Equal(t, task.LogCompleted, out[0].Status)
	assert.Equal(t, task.LogSkipped, out[1].Status)
}

func TestWithDividersNumbersSessions(t *testing.T) {
	collapsed := Collapse([]task.LogEntry{
		entry("t1", "a", task.LogStarted, nil, nil),
		entry("t1", "b", task.LogStarted, nil, nil),
		entry("t2", "a", task.LogStarted, nil, nil),
		entry("t1", "c", task.LogStarted, nil, nil),
	})
	rows := WithDividers(collapsed)

	require.Len(t, rows, 7)
	assert.True(t, rows[0].Divider)
	assert.Equal(t, 1, rows[0].Session)
	assert.Equal(t, "a", rows[1].Entry.Step)
	assert.Equal(t, "b", rows[2].Entry.Step)
	assert.True(t, rows[3].Divider)
	assert.Equal(t, 2, rows[3].Session)
	assert.Equal(t, "t2", rows[4].Entry.TaskID)
	assert.True(t, rows[5].Divider)
	assert.Equal(t, 3, rows[5].Session)
	assert.Equal(t, "t1", rows[6].Entry.TaskID)
}

func TestWithDividersEmpty(t *testing.T) {
	assert.Empty(t, WithDividers(nil))
}
