package notify

import (
	"sync"

	"github.com/topoface/node-supervisor/status"
)

// Notification is a recorded Notify call.
type Notification struct {
	Severity Severity
	Message  string
}

// Recorder keeps every report and notification it receives.
type Recorder struct {
	mu            sync.Mutex
	statuses      []status.Status
	notifications []Notification
}

var _ Sink = (*Recorder)(nil)

func (r *Recorder) Notify(severity Severity, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, Notification{Severity: severity, Message: message})
}

func (r *Recorder) Report(s status.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

// Statuses returns a copy of the reported statuses, oldest first.
func (r *Recorder) Statuses() []status.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]status.Status(nil), r.statuses...)
}

// Last returns the most recent status and whether there was one.
func (r *Recorder) Last() (status.Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return "", false
	}
	return r.statuses[len(r.statuses)-1], true
}

// Notifications returns a copy of the recorded notifications.
func (r *Recorder) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notifications...)
}
