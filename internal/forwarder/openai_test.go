package forwarder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infermux/infermux/internal/common/logger"
	v1 "github.com/infermux/infermux/pkg/api/v1"
)

func testRequest() *v1.ChatCompletionRequest {
	return &v1.ChatCompletionRequest{
		Model:  "pub:gpt-test",
		Stream: true,
		Messages: []v1.Message{
			{Role: "user", Content: json.RawMessage(`"hello"`)},
		},
	}
}

func collectEmits(t *testing.T, upstream http.HandlerFunc) ([]string, error) {
	t.Helper()
	ts := httptest.NewServer(upstream)
	t.Cleanup(ts.Close)

	client := NewClient(5*time.Second, logger.Default())
	var got []string
	err := client.StreamChatCompletions(context.Background(),
		Upstream{APIBase: ts.URL, APIKey: "sk-test", Model: "gpt-test"},
		testRequest(),
		func(text string) bool {
			got = append(got, text)
			return true
		})
	return got, err
}

func sseLine(w http.ResponseWriter, payload string) {
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func TestStreamContentDeltas(t *testing.T) {
	got, err := collectEmits(t, func(w http.ResponseWriter, r *http.Request) {
		sseLine(w, `{"choices":[{"delta":{"content":"Hello"}}]}`)
		sseLine(w, `{"choices":[{"delta":{"content":" world"}}]}`)
		sseLine(w, `{"choices":[{"delta":{"content":""}}]}`)
		sseLine(w, `[DONE]`)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello", " world"}, got)
}

func TestStreamReasoningInterleave(t *testing.T) {
	got, err := collectEmits(t, func(w http.ResponseWriter, r *http.Request) {
		sseLine(w, `{"choices":[{"delta":{"reasoning_content":"α"}}]}`)
		sseLine(w, `{"choices":[{"delta":{"content":"β"}}]}`)
		sseLine(w, `[DONE]`)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"<think>\n", "α", "\n</think>\n\n", "β"}, got)
}

func TestStreamReasoningFallbackField(t *testing.T) {
	got, err := collectEmits(t, func(w http.ResponseWriter, r *http.Request) {
		sseLine(w, `{"choices":[{"delta":{"reasoning":"pondering"}}]}`)
		sseLine(w, `{"choices":[{"delta":{"reasoning":" more"}}]}`)
		sseLine(w, `[DONE]`)
	})
	require.NoError(t, err)
	// The opening marker appears once; the stream ends inside reasoning.
	assert.Equal(t, []string{"<think>\n", "pondering", " more"}, got)
}

func TestStreamEndsCleanlyOnEOF(t *testing.T) {
	got, err := collectEmits(t, func(w http.ResponseWriter, r *http.Request) {
		sseLine(w, `{"choices":[{"delta":{"content":"partial"}}]}`)
		// No [DONE]; the body just ends.
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"partial"}, got)
}

func TestStreamUpstreamError(t *testing.T) {
	_, err := collectEmits(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"quota exceeded"}`, http.StatusTooManyRequests)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestStreamRequestShape(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody v1.ChatCompletionRequest

	_, err := collectEmits(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		sseLine(w, `[DONE]`)
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "/chat/completions", gotPath)
	// The model is rewritten to the resolved upstream name.
	assert.Equal(t, "gpt-test", gotBody.Model)
	assert.True(t, gotBody.Stream)
}

func TestStreamStopsWhenReceiverGone(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 100; i++ {
			sseLine(w, `{"choices":[{"delta":{"content":"x"}}]}`)
		}
		sseLine(w, `[DONE]`)
	}))
	t.Cleanup(ts.Close)

	client := NewClient(5*time.Second, logger.Default())
	count := 0
	err := client.StreamChatCompletions(context.Background(),
		Upstream{APIBase: ts.URL, Model: "gpt-test"},
		testRequest(),
		func(text string) bool {
			count++
			return count < 3
		})
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}
