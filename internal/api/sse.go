package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/infermux/infermux/internal/link"
	v1 "github.com/infermux/infermux/pkg/api/v1"
)

// newCompletionID returns a chatcmpl id derived from the current time.
func newCompletionID() string {
	return fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano())
}

// textFrame builds the JSON payload for one content chunk. An empty content
// string primes the assistant role instead of carrying text.
func textFrame(id, model string, created int64, content string) []byte {
	delta := v1.ChunkDelta{Content: &content}
	if content == "" {
		delta.Role = "assistant"
	}
	chunk := v1.CompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []v1.ChunkChoice{{Index: 0, Delta: delta, FinishReason: nil}},
	}
	payload, _ := json.Marshal(chunk)
	return payload
}

// doneFrame builds the terminal chunk carrying finish_reason "stop".
func doneFrame(id, model string, created int64) []byte {
	stop := "stop"
	chunk := v1.CompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []v1.ChunkChoice{{Index: 0, Delta: v1.ChunkDelta{}, FinishReason: &stop}},
	}
	payload, _ := json.Marshal(chunk)
	return payload
}

// errorFrame builds the terminal error marker emitted after the stream has
// already opened.
func errorFrame(message string) []byte {
	payload, _ := json.Marshal(v1.ErrorResponse{Error: message})
	return payload
}

// streamResults drains a task's user channel into an SSE response. Errors
// arriving after the stream opened become a terminal error marker; the HTTP
// status stays 200. A channel closed without a Done marker simply ends the
// stream (cancellation never surfaces as an error).
func streamResults(c *gin.Context, model string, out <-chan link.Result) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	id := newCompletionID()
	created := time.Now().Unix()

	for res := range out {
		switch {
		case res.Err != nil:
			writeData(c, errorFrame(res.Err.Message))
			return
		case res.Done:
			writeData(c, doneFrame(id, model, created))
			writeData(c, []byte("[DONE]"))
			return
		default:
			writeData(c, textFrame(id, model, created, res.Text))
		}
	}
}

func writeData(c *gin.Context, payload []byte) {
	fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
	c.Writer.Flush()
}
