// Package activity renders the raw append-only activity-log stream into a
// display-ready sequence for a terminal-style feed. Everything here is a pure
// fold over a snapshot; no state outlives a call.
package activity

import (
	"time"

	"otto/internal/task"
)

// Entry is one display row after collapsing.
type Entry struct {
	TaskID     string            `json:"task_id"`
	Step       string            `json:"step"`
	Status     task.LogStatus    `json:"status"`
	Detail     map[string]string `json:"detail,omitempty"`
	DurationMS *int64            `json:"duration_ms,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

type slotKey struct {
	taskID string
	step   string
}

// Collapse folds entries, in arrival order, into display rows. A started
// entry opens a slot; its terminal entry merges into that slot in place so
// temporal ordering stays stable. A terminal entry with no open slot stands
// alone: single-shot steps, or out-of-order arrival, which is an accepted
// limitation since arrival order is not guaranteed to match logical order on
// a live stream. Info and unrecognized statuses append as-is.
func Collapse(entries []task.LogEntry) []Entry {
	out := make([]Entry, 0, len(entries))
	open := make(map[slotKey]int)

	for _, e := range entries {
		key := slotKey{taskID: e.TaskID, step: e.Step}

		switch {
		case e.Status == task.LogStarted:
			open[key] = len(out)
			out = append(out, toEntry(e))

		case e.Status.IsTerminal():
			pos, ok := open[key]
			if !ok {
				out = append(out, toEntry(e))
				continue
			}
			merged := out[pos]
			merged.Status = e.Status
			merged.DurationMS = copyDuration(e.DurationMS)
			merged.Detail = mergeDetail(merged.Detail, e.Detail)
			out[pos] = merged
			delete(open, key)

		default:
			out = append(out, toEntry(e))
		}
	}

	return out
}

func toEntry(e task.LogEntry) Entry {
	return Entry{
		TaskID:     e.TaskID,
		Step:       e.Step,
		Status:     e.Status,
		Detail:     mergeDetail(nil, e.Detail),
		DurationMS: copyDuration(e.DurationMS),
		CreatedAt:  e.CreatedAt,
	}
}

// mergeDetail overlays next on top of base; next wins on key collision.
func mergeDetail(base, next map[string]string) map[string]string {
	if len(base) == 0 && len(next) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(next))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range next {
		merged[k] = v
	}
	return merged
}

func copyDuration(d *int64) *int64 {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

// Row is a feed line: either a collapsed entry or a session divider.
type Row struct {
	Divider bool   `json:"divider,omitempty"`
	Session int    `json:"session,omitempty"` // 1-based, set on dividers
	Entry   *Entry `json:"entry,omitempty"`
}

// WithDividers inserts a divider row whenever consecutive display entries
// belong to different tasks, numbering sessions sequentially from 1.
func WithDividers(entries []Entry) []Row {
	rows := make([]Row, 0, len(entries)*2)
	session := 0
	lastTask := ""

	for i := range entries {
		e := entries[i]
		if e.TaskID != lastTask {
			session++
			rows = append(rows, Row{Divider: true, Session: session})
			lastTask = e.TaskID
		}
		rows = append(rows, Row{Entry: &e})
	}

	return rows
}
