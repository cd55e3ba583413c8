// Package task defines the backend task record as the dashboard receives it,
// the raw and display status vocabularies, and the status resolver.
package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type (
	Status        string
	DisplayStatus string
	Filter        string

	// ID is opaque. The backend sends numeric ids but string ids are accepted too.
	ID string

	Task struct {
		ID                ID         `json:"id"`
		Number            int        `json:"number"`
		Status            Status     `json:"status"`
		QueuePosition     *int       `json:"queue_position,omitempty"`
		ServerURL         string     `json:"server_url,omitempty"`
		Progress          *int       `json:"progress,omitempty"`
		EstimatedWaitTime string     `json:"estimated_wait_time,omitempty"`
		Result            string     `json:"result,omitempty"`
		ErrorMessage      string     `json:"error_message,omitempty"`
		CreatedAt         time.Time  `json:"created_at"`
		CompletedAt       *time.Time `json:"completed_at,omitempty"`
	}
)

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

const (
	DisplayAwaitingDispatch DisplayStatus = "awaiting_dispatch"
	DisplayInProgress       DisplayStatus = DisplayStatus(StatusInProgress)
	DisplayCompleted        DisplayStatus = DisplayStatus(StatusCompleted)
	DisplayFailed           DisplayStatus = DisplayStatus(StatusFailed)
	DisplayCancelled        DisplayStatus = DisplayStatus(StatusCancelled)
)

const (
	FilterAll     Filter = "all"
	FilterActive  Filter = "active"
	FilterHistory Filter = "history"
)

// Resolve maps a task to the status shown to the user. A queue position only
// means "awaiting dispatch" while the backend has not reported an active or
// terminal state; those always win. Unknown statuses pass through unchanged.
func Resolve(t Task) DisplayStatus {
	if t.HasQueuePosition() && !t.Status.dispatched() {
		return DisplayAwaitingDispatch
	}

	return DisplayStatus(t.Status)
}

// HasQueuePosition reports whether the backend gave t a place in the queue.
// Positions start at 1; zero is treated as absent.
func (t Task) HasQueuePosition() bool {
	return t.QueuePosition != nil && *t.QueuePosition > 0
}

func (s Status) dispatched() bool {
	switch s {
	case StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}

	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Cancellable reports whether the user may still cancel a task in this state.
func (d DisplayStatus) Cancellable() bool {
	return d == DisplayAwaitingDispatch || d == DisplayInProgress
}

func (d DisplayStatus) Label() string {
	switch d {
	case DisplayAwaitingDispatch:
		return "Awaiting dispatch"
	case DisplayInProgress:
		return "In progress"
	case DisplayCompleted:
		return "Completed"
	case DisplayFailed:
		return "Failed"
	case DisplayCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

func ParseFilter(s string) (Filter, error) {
	switch f := Filter(s); f {
	case FilterAll, FilterActive, FilterHistory:
		return f, nil
	case "":
		return FilterAll, nil
	default:
		return "", fmt.Errorf("unknown filter %q", s)
	}
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("task id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON keeps numeric ids numeric on the way back out.
func (id ID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}

	return json.Marshal(string(id))
}

func (t *Task) ToJSON() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func TasksFromJSON(data []byte) ([]Task, error) {
	var tasks []Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, err
	}

	return tasks, nil
}
