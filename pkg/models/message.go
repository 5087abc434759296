package models

import "time"

// Topic classifies a message on the crew bus.
type Topic string

const (
	// TopicTaskAssigned is sent coordinator → worker to start a task.
	TopicTaskAssigned Topic = "task_assigned"
	// TopicTaskComplete is sent worker → coordinator on success.
	TopicTaskComplete Topic = "task_complete"
	// TopicTaskFailed is sent worker → coordinator on failure.
	TopicTaskFailed Topic = "task_failed"
	// TopicTaskCancelled is sent worker → coordinator when cancellation tripped.
	TopicTaskCancelled Topic = "task_cancelled"
	// TopicStatusUpdate is a periodic worker → coordinator progress heartbeat.
	TopicStatusUpdate Topic = "status_update"
	// TopicShutdown is broadcast coordinator → workers at wind-down.
	TopicShutdown Topic = "shutdown"
)

// RecipientCoordinator addresses the coordinator's inbox.
const RecipientCoordinator = "coordinator"

// RecipientBroadcast addresses every registered recipient.
const RecipientBroadcast = "all"

// Message is one unit of worker/coordinator signaling on the bus.
type Message struct {
	// ID uniquely identifies the message.
	ID string `json:"id"`
	// Topic classifies the message.
	Topic Topic `json:"topic"`
	// Sender is the coordinator or a worker ID.
	Sender string `json:"sender"`
	// Recipient is a worker ID, RecipientCoordinator, or RecipientBroadcast.
	Recipient string `json:"recipient"`
	// TaskID is the related task, if any.
	TaskID string `json:"task_id,omitempty"`
	// Payload is the main content (task description, output, feedback).
	Payload string `json:"payload,omitempty"`
	// Result carries the full task result for completion topics.
	Result *TaskResult `json:"result,omitempty"`
	// Timestamp is when the message was published.
	Timestamp time.Time `json:"timestamp"`
}
