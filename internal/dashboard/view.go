// Package dashboard derives the displayed task list from backend records and
// capacity hints, and owns the per-session refresh and submission state.
package dashboard

import (
	"time"

	"github.com/nadmax/queuewatch/internal/capacity"
	"github.com/nadmax/queuewatch/internal/client"
	"github.com/nadmax/queuewatch/internal/estimate"
	"github.com/nadmax/queuewatch/internal/task"
	"github.com/nadmax/queuewatch/internal/throttle"
)

type Stats struct {
	TotalTasks       int `json:"total_tasks"`
	AwaitingDispatch int `json:"awaiting_dispatch"`
	InProgress       int `json:"in_progress"`
	Completed        int `json:"completed"`
	Failed           int `json:"failed"`
	Cancelled        int `json:"cancelled"`
	Other            int `json:"other"`
}

type TaskView struct {
	ID            task.ID            `json:"id"`
	Number        int                `json:"number"`
	RawStatus     task.Status        `json:"raw_status"`
	Status        task.DisplayStatus `json:"status"`
	Label         string             `json:"label"`
	ServerURL     string             `json:"server_url,omitempty"`
	QueuePosition *int               `json:"queue_position,omitempty"`
	EstimatedWait string             `json:"estimated_wait,omitempty"`
	LocalEstimate bool               `json:"local_estimate,omitempty"`
	EstimatedFor  time.Duration      `json:"-"`
	Progress      *int               `json:"progress,omitempty"`
	Result        string             `json:"result,omitempty"`
	ErrorMessage  string             `json:"error_message,omitempty"`
	Cancellable   bool               `json:"cancellable"`
	CreatedAt     time.Time          `json:"created_at"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
}

// QueueBanner is only present while the global queue is non-empty.
type QueueBanner struct {
	QueueLength       int    `json:"queue_length"`
	EstimatedWaitTime string `json:"estimated_wait_time"`
}

type View struct {
	Filter      task.Filter    `json:"filter"`
	Tasks       []TaskView     `json:"tasks"`
	Stats       Stats          `json:"stats"`
	Servers     int            `json:"servers"`
	Banner      *QueueBanner   `json:"banner,omitempty"`
	Throttle    throttle.State `json:"throttle"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Derive builds the view for one cycle. It is pure: the same inputs always
// give the same view, and nothing is carried over from earlier cycles.
func Derive(tasks []task.Task, snap capacity.Snapshot, filter task.Filter, now time.Time) View {
	view := View{
		Filter:      filter,
		Tasks:       make([]TaskView, 0, len(tasks)),
		Servers:     snap.Servers(),
		LastUpdated: now,
	}

	for _, t := range tasks {
		tv := deriveTask(t, snap)
		view.Tasks = append(view.Tasks, tv)
		view.Stats.add(tv.Status)
	}

	return view
}

func deriveTask(t task.Task, snap capacity.Snapshot) TaskView {
	status := task.Resolve(t)

	tv := TaskView{
		ID:           t.ID,
		Number:       t.Number,
		RawStatus:    t.Status,
		Status:       status,
		Label:        status.Label(),
		ServerURL:    t.ServerURL,
		Result:       t.Result,
		ErrorMessage: t.ErrorMessage,
		Cancellable:  status.Cancellable(),
		CreatedAt:    t.CreatedAt,
		CompletedAt:  t.CompletedAt,
	}

	switch status {
	case task.DisplayAwaitingDispatch:
		tv.QueuePosition = t.QueuePosition
		tv.EstimatedWait, tv.EstimatedFor, tv.LocalEstimate = estimate.WaitTime(t, snap)
	case task.DisplayInProgress:
		tv.Progress = t.Progress
		if tv.Progress == nil {
			zero := 0
			tv.Progress = &zero
		}
	}

	return tv
}

func (s *Stats) add(status task.DisplayStatus) {
	s.TotalTasks++

	switch status {
	case task.DisplayAwaitingDispatch:
		s.AwaitingDispatch++
	case task.DisplayInProgress:
		s.InProgress++
	case task.DisplayCompleted:
		s.Completed++
	case task.DisplayFailed:
		s.Failed++
	case task.DisplayCancelled:
		s.Cancelled++
	default:
		s.Other++
	}
}

// ByStatus returns the non-zero counts keyed by display status.
func (s Stats) ByStatus() map[string]int {
	out := make(map[string]int)
	for status, n := range map[string]int{
		string(task.DisplayAwaitingDispatch): s.AwaitingDispatch,
		string(task.DisplayInProgress):       s.InProgress,
		string(task.DisplayCompleted):        s.Completed,
		string(task.DisplayFailed):           s.Failed,
		string(task.DisplayCancelled):        s.Cancelled,
		"other":                              s.Other,
	} {
		if n > 0 {
			out[status] = n
		}
	}
	return out
}

func bannerFrom(qs client.QueueStatus) *QueueBanner {
	if qs.QueueLength <= 0 {
		return nil
	}
	return &QueueBanner{QueueLength: qs.QueueLength, EstimatedWaitTime: qs.EstimatedWaitTime}
}
