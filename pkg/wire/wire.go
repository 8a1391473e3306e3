// Package wire defines the frame types exchanged between the coordinator and
// worker agents over the link connection. Each frame is one JSON message with
// exactly one payload field set.
package wire

import (
	"time"

	v1 "github.com/infermux/infermux/pkg/api/v1"
)

// CommandType enumerates the control commands a coordinator can issue.
type CommandType string

const (
	CommandTypeUnspecified        CommandType = "UNSPECIFIED"
	CommandTypeModels             CommandType = "MODELS"
	CommandTypeShutdownGracefully CommandType = "SHUTDOWN_GRACEFULLY"
)

// WorkerFrame is a frame sent by a worker to the coordinator.
type WorkerFrame struct {
	ID           string          `json:"id"`
	Registration *Registration   `json:"registration,omitempty"`
	Heartbeat    *Heartbeat      `json:"heartbeat,omitempty"`
	Chunk        *InferenceChunk `json:"chunk,omitempty"`
	Models       *ModelList      `json:"models,omitempty"`
}

// Registration announces the worker's namespace. It must be the first frame
// on a new link.
type Registration struct {
	Namespace string `json:"namespace"`
}

// Heartbeat is a periodic liveness report from the worker.
type Heartbeat struct {
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
}

// InferenceChunk carries one streamed piece of a completion for a task.
type InferenceChunk struct {
	RequestID string        `json:"request_id"`
	Chunk     *ChunkPayload `json:"chunk,omitempty"`
}

// ChunkPayload mirrors the OpenAI chunk choice list.
type ChunkPayload struct {
	Choices []v1.ChunkChoice `json:"choices"`
}

// Content returns the delta content of the first choice. ok is false when the
// chunk carries no content, which marks the end of the task's stream.
func (c *InferenceChunk) Content() (text string, ok bool) {
	if c == nil || c.Chunk == nil || len(c.Chunk.Choices) == 0 {
		return "", false
	}
	content := c.Chunk.Choices[0].Delta.Content
	if content == nil {
		return "", false
	}
	return *content, true
}

// ModelList reports the models a worker serves.
type ModelList struct {
	RequestID       string           `json:"request_id"`
	SupportedModels []SupportedModel `json:"supported_models"`
}

// SupportedModel describes one worker-hosted model.
type SupportedModel struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	BackendEngine string `json:"backend_engine"`
}

// CoordinatorFrame is a frame sent by the coordinator to a worker.
type CoordinatorFrame struct {
	ID      string            `json:"id"`
	Request *InferenceRequest `json:"request,omitempty"`
	Command *ControlCommand   `json:"command,omitempty"`
	Ack     *Acknowledgement  `json:"ack,omitempty"`
}

// InferenceRequest asks the worker to run a streaming chat completion.
type InferenceRequest struct {
	TaskID      string                    `json:"task_id"`
	ChatRequest *v1.ChatCompletionRequest `json:"chat_request"`
}

// ControlCommand is an advisory instruction tagged with a task-id.
type ControlCommand struct {
	RequestID string      `json:"request_id"`
	Type      CommandType `json:"type"`
}

// Acknowledgement confirms receipt of a worker frame by id.
type Acknowledgement struct {
	MessageIDAcknowledged string `json:"message_id_acknowledged"`
	Success               bool   `json:"success"`
}

// NewRequestFrame builds the outbound frame carrying a chat request.
func NewRequestFrame(taskID string, req *v1.ChatCompletionRequest) *CoordinatorFrame {
	return &CoordinatorFrame{
		ID: taskID,
		Request: &InferenceRequest{
			TaskID:      taskID,
			ChatRequest: req,
		},
	}
}

// NewCancelFrame builds the advisory cancellation command for a task.
func NewCancelFrame(taskID string) *CoordinatorFrame {
	return &CoordinatorFrame{
		ID: taskID,
		Command: &ControlCommand{
			RequestID: taskID,
			Type:      CommandTypeShutdownGracefully,
		},
	}
}

// NewModelsCommand builds the one-shot model listing command.
func NewModelsCommand(taskID string) *CoordinatorFrame {
	return &CoordinatorFrame{
		ID: taskID,
		Command: &ControlCommand{
			RequestID: taskID,
			Type:      CommandTypeModels,
		},
	}
}

// NewAckFrame builds the acknowledgement for a worker frame.
func NewAckFrame(messageID string) *CoordinatorFrame {
	return &CoordinatorFrame{
		ID: "heartbeat_ack",
		Ack: &Acknowledgement{
			MessageIDAcknowledged: messageID,
			Success:               true,
		},
	}
}
