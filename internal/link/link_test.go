package link

import (
	"github.com/infermux/infermux/internal/common/config"
	"github.com/infermux/infermux/internal/common/logger"
	v1 "github.com/infermux/infermux/pkg/api/v1"
	"github.com/infermux/infermux/pkg/wire"
)

// testLinkConfig returns a small-capacity link configuration for tests.
func testLinkConfig() config.LinkConfig {
	return config.LinkConfig{
		OutboundQueueSize:  64,
		TaskInboxSize:      8,
		UserChannelSize:    16,
		SendTimeout:        1,
		InactivityTimeout:  120,
		MaxMessageSizeByte: 1024 * 1024,
	}
}

// newTestSession creates a session that is not backed by a connection. Tests
// exercising the demux and supervisor paths only touch the channels.
func newTestSession(namespace string, registry *Registry) *Session {
	return newSession(namespace, nil, registry, nil, testLinkConfig(), logger.Default())
}

// chunkFrame builds a worker frame carrying one content delta for a task.
func chunkFrame(taskID, text string) *wire.WorkerFrame {
	return &wire.WorkerFrame{
		ID: taskID,
		Chunk: &wire.InferenceChunk{
			RequestID: taskID,
			Chunk: &wire.ChunkPayload{
				Choices: []v1.ChunkChoice{{Delta: v1.ChunkDelta{Content: &text}}},
			},
		},
	}
}

// endFrame builds the empty-delta frame a worker sends at end-of-stream.
func endFrame(taskID string) *wire.WorkerFrame {
	return &wire.WorkerFrame{
		ID: taskID,
		Chunk: &wire.InferenceChunk{
			RequestID: taskID,
			Chunk: &wire.ChunkPayload{
				Choices: []v1.ChunkChoice{{Delta: v1.ChunkDelta{}}},
			},
		},
	}
}
