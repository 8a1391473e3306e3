package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infermux/infermux/internal/common/config"
	apperrors "github.com/infermux/infermux/internal/common/errors"
	"github.com/infermux/infermux/internal/common/logger"
	"github.com/infermux/infermux/internal/forwarder"
	"github.com/infermux/infermux/internal/link"
	"github.com/infermux/infermux/internal/store"
	v1 "github.com/infermux/infermux/pkg/api/v1"
	"github.com/infermux/infermux/pkg/wire"
)

// fakeStore serves routing records from memory.
type fakeStore struct {
	clients map[string]*store.Client
	public  []*store.Client
}

func (f *fakeStore) GetClientByNamespace(ctx context.Context, namespace string) (*store.Client, error) {
	if c, ok := f.clients[namespace]; ok {
		return c, nil
	}
	return nil, apperrors.NotFound(fmt.Sprintf("invalid namespace: %s", namespace))
}

func (f *fakeStore) GetPublicClients(ctx context.Context) ([]*store.Client, error) {
	return f.public, nil
}

type testEnv struct {
	registry *link.Registry
	wsURL    string
	apiURL   string
}

func setupEnv(t *testing.T, st RouteStore) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.LinkConfig{
		OutboundQueueSize:  256,
		TaskInboxSize:      32,
		UserChannelSize:    64,
		SendTimeout:        2,
		InactivityTimeout:  10,
		MaxMessageSizeByte: 1024 * 1024,
	}

	registry := link.NewRegistry()
	linkServer := link.NewServer(registry, nil, cfg, logger.Default())
	linkTS := httptest.NewServer(linkServer.Handler())
	t.Cleanup(linkTS.Close)

	fw := forwarder.NewClient(5*time.Second, logger.Default())
	handler := NewHandler(registry, st, fw, nil, cfg, logger.Default())
	router := gin.New()
	SetupRoutes(router, handler)
	apiTS := httptest.NewServer(router)
	t.Cleanup(apiTS.Close)

	return &testEnv{
		registry: registry,
		wsURL:    "ws" + strings.TrimPrefix(linkTS.URL, "http") + "/link",
		apiURL:   apiTS.URL,
	}
}

func routeRecord(namespace string, models ...string) *store.Client {
	return &store.Client{
		ID:         1,
		Type:       "openai",
		Namespace:  namespace,
		ModelNames: models,
	}
}

// connectWorker registers a worker and waits for its session to appear.
func connectWorker(t *testing.T, env *testEnv, namespace string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(&wire.WorkerFrame{
		ID:           "reg-1",
		Registration: &wire.Registration{Namespace: namespace},
	}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if env.registry.Lookup(namespace) != nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("worker %q never registered", namespace)
	return nil
}

func workerChunk(taskID, text string) *wire.WorkerFrame {
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

func workerEnd(taskID string) *wire.WorkerFrame {
	return &wire.WorkerFrame{
		ID: taskID,
		Chunk: &wire.InferenceChunk{
			RequestID: taskID,
			Chunk:     &wire.ChunkPayload{Choices: []v1.ChunkChoice{{Delta: v1.ChunkDelta{}}}},
		},
	}
}

// serveOneCompletion answers the next request frame with the given chunks
// followed by the end-of-stream marker.
func serveOneCompletion(t *testing.T, conn *websocket.Conn, chunks []string) {
	t.Helper()
	go func() {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			var frame wire.CoordinatorFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Request == nil {
				continue // acks, cancels
			}
			taskID := frame.Request.TaskID
			for _, text := range chunks {
				if err := conn.WriteJSON(workerChunk(taskID, text)); err != nil {
					return
				}
			}
			conn.WriteJSON(workerEnd(taskID))
			return
		}
	}()
}

func postChat(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"/v1/chat/completions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// readSSEData collects the payloads of all data lines in the response body.
func readSSEData(t *testing.T, body io.Reader) []string {
	t.Helper()
	var data []string
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if payload, ok := strings.CutPrefix(line, "data: "); ok {
			data = append(data, payload)
		}
	}
	return data
}

func TestChatCompletionHappyPath(t *testing.T) {
	st := &fakeStore{clients: map[string]*store.Client{"n": routeRecord("n", "m")}}
	env := setupEnv(t, st)
	conn := connectWorker(t, env, "n")
	serveOneCompletion(t, conn, []string{"Hi", " ", "there"})

	resp := postChat(t, env.apiURL, `{"model":"n:m","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	data := readSSEData(t, resp.Body)
	require.GreaterOrEqual(t, len(data), 5, "expected 3 chunks, a stop frame and [DONE], got %v", data)

	var contents []string
	for _, payload := range data[:3] {
		var chunk v1.CompletionChunk
		require.NoError(t, json.Unmarshal([]byte(payload), &chunk))
		require.Len(t, chunk.Choices, 1)
		require.NotNil(t, chunk.Choices[0].Delta.Content)
		contents = append(contents, *chunk.Choices[0].Delta.Content)
	}
	assert.Equal(t, []string{"Hi", " ", "there"}, contents)

	assert.Contains(t, data[3], `"finish_reason":"stop"`)
	assert.Equal(t, "[DONE]", data[4])
}

func TestChatCompletionUnknownNamespace(t *testing.T) {
	env := setupEnv(t, &fakeStore{clients: map[string]*store.Client{}})

	resp := postChat(t, env.apiURL, `{"model":"ghost:m","stream":true,"messages":[]}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "invalid namespace: ghost", string(body))
}

func TestChatCompletionRejectsNonStream(t *testing.T) {
	st := &fakeStore{clients: map[string]*store.Client{"n": routeRecord("n", "m")}}
	env := setupEnv(t, st)

	resp := postChat(t, env.apiURL, `{"model":"n:m","stream":false,"messages":[]}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "non-stream not supported")
}

func TestChatCompletionRejectsMalformedModel(t *testing.T) {
	env := setupEnv(t, &fakeStore{clients: map[string]*store.Client{}})

	resp := postChat(t, env.apiURL, `{"model":"no-colon","stream":true,"messages":[]}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "invalid model")
}

func TestChatCompletionUnknownModel(t *testing.T) {
	st := &fakeStore{clients: map[string]*store.Client{"n": routeRecord("n", "m")}}
	env := setupEnv(t, st)

	resp := postChat(t, env.apiURL, `{"model":"n:other","stream":true,"messages":[]}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "model not found: other")
}

func TestChatCompletionWorkerOffline(t *testing.T) {
	// The store knows the namespace but no worker is connected.
	st := &fakeStore{clients: map[string]*store.Client{"n": routeRecord("n", "m")}}
	env := setupEnv(t, st)

	resp := postChat(t, env.apiURL, `{"model":"n:m","stream":true,"messages":[]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := readSSEData(t, resp.Body)
	require.Len(t, data, 1)
	var errBody v1.ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(data[0]), &errBody))
	assert.Contains(t, errBody.Error, "not found")
}

func TestChatCompletionWorkerDisconnectMidStream(t *testing.T) {
	st := &fakeStore{clients: map[string]*store.Client{"n": routeRecord("n", "m")}}
	env := setupEnv(t, st)
	conn := connectWorker(t, env, "n")

	// The worker sends two chunks and drops the link without finishing.
	go func() {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			var frame wire.CoordinatorFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Request == nil {
				continue
			}
			taskID := frame.Request.TaskID
			conn.WriteJSON(workerChunk(taskID, "Hi"))
			conn.WriteJSON(workerChunk(taskID, " there"))
			conn.Close()
			return
		}
	}()

	resp := postChat(t, env.apiURL, `{"model":"n:m","stream":true,"messages":[]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := readSSEData(t, resp.Body)
	require.Len(t, data, 3, "expected two chunks plus the error marker, got %v", data)

	var errBody v1.ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(data[2]), &errBody))
	assert.Contains(t, errBody.Error, "disconnected while request")

	// Cleanup totality: the namespace is gone from the registry.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && env.registry.Lookup("n") != nil {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Nil(t, env.registry.Lookup("n"))
}

func TestNamespaceModels(t *testing.T) {
	env := setupEnv(t, &fakeStore{clients: map[string]*store.Client{}})
	conn := connectWorker(t, env, "n")

	go func() {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			var frame wire.CoordinatorFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Command == nil || frame.Command.Type != wire.CommandTypeModels {
				continue
			}
			conn.WriteJSON(&wire.WorkerFrame{
				ID: frame.Command.RequestID,
				Models: &wire.ModelList{
					RequestID: frame.Command.RequestID,
					SupportedModels: []wire.SupportedModel{
						{ID: "m", Type: "llm", BackendEngine: "vllm"},
					},
				},
			})
			return
		}
	}()

	resp, err := http.Get(env.apiURL + "/v1/models/n")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var models v1.ModelsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&models))
	require.Len(t, models.Models, 1)
	assert.Equal(t, v1.ModelInfo{Model: "m", Type: "llm", BackendEngine: "vllm"}, models.Models[0])
}

func TestNamespaceModelsOffline(t *testing.T) {
	env := setupEnv(t, &fakeStore{clients: map[string]*store.Client{}})

	resp, err := http.Get(env.apiURL + "/v1/models/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var errBody v1.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
	assert.Contains(t, errBody.Error, "not found")
}

func TestPublicModelsCatalog(t *testing.T) {
	pub := routeRecord("pub", "a", "b")
	pub.Public = true
	env := setupEnv(t, &fakeStore{public: []*store.Client{pub}})

	resp, err := http.Get(env.apiURL + "/v2/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var catalog v1.CatalogResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&catalog))
	assert.Equal(t, "list", catalog.Object)
	require.Len(t, catalog.Data, 2)
	assert.Equal(t, v1.CatalogEntry{ID: "a", Object: "model", Created: 0, OwnedBy: "pub"}, catalog.Data[0])
	assert.Equal(t, v1.CatalogEntry{ID: "b", Object: "model", Created: 0, OwnedBy: "pub"}, catalog.Data[1])
}

func TestPublicChatCompletionForwardsUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"reasoning_content\":\"α\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"β\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(upstream.Close)

	pub := routeRecord("pub", "gpt-x")
	pub.Public = true
	pub.APIBase = upstream.URL
	pub.APIKeys = []string{"sk-1"}
	env := setupEnv(t, &fakeStore{clients: map[string]*store.Client{"pub": pub}})

	resp, err := http.Post(env.apiURL+"/v2/chat/completions", "application/json",
		strings.NewReader(`{"model":"pub:gpt-x","stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := readSSEData(t, resp.Body)
	require.GreaterOrEqual(t, len(data), 6, "got %v", data)

	var contents []string
	for _, payload := range data[:4] {
		var chunk v1.CompletionChunk
		require.NoError(t, json.Unmarshal([]byte(payload), &chunk))
		require.NotNil(t, chunk.Choices[0].Delta.Content)
		contents = append(contents, *chunk.Choices[0].Delta.Content)
	}
	assert.Equal(t, []string{"<think>\n", "α", "\n</think>\n\n", "β"}, contents)
	assert.Contains(t, data[4], `"finish_reason":"stop"`)
	assert.Equal(t, "[DONE]", data[5])
}

func TestPublicChatCompletionUpstreamError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(upstream.Close)

	pub := routeRecord("pub", "gpt-x")
	pub.APIBase = upstream.URL
	env := setupEnv(t, &fakeStore{clients: map[string]*store.Client{"pub": pub}})

	resp, err := http.Post(env.apiURL+"/v2/chat/completions", "application/json",
		strings.NewReader(`{"model":"pub:gpt-x","stream":true,"messages":[]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := readSSEData(t, resp.Body)
	require.Len(t, data, 1)
	var errBody v1.ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(data[0]), &errBody))
	assert.Contains(t, errBody.Error, "upstream")
}

func TestHealthCheck(t *testing.T) {
	env := setupEnv(t, &fakeStore{})

	resp, err := http.Get(env.apiURL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}
