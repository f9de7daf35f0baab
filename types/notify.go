package types

import (
	"time"
)

// Job lifecycle events delivered to webhooks and websocket subscribers so
// clients learn about async completion without polling.
const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

type NotifyBroker interface {
	LifecycleManager
	Publish(event string, payload interface{}) error
	Subscribe(event string, handler NotifyHandler) error
	Unsubscribe(event string) error
}

type NotifyHandler func(msg *NotifyMessage) error

type NotifyBrokerCreator func(config interface{}) (NotifyBroker, error)

type NotifyMessage struct {
	Event     string            `json:"event"`
	Payload   interface{}       `json:"payload"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	MessageID string            `json:"message_id"`
}

// JobEvent is the payload published under EventJobCompleted / EventJobFailed.
type JobEvent struct {
	JobID        string    `json:"job_id"`
	UserID       string    `json:"user_id"`
	Fingerprint  string    `json:"fingerprint"`
	Domain       Domain    `json:"domain"`
	Status       JobStatus `json:"status"`
	ResultRef    string    `json:"result_ref,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}
