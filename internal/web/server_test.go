package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/comigor/pycoder/internal/agent"
	"github.com/comigor/pycoder/internal/config"
	"github.com/comigor/pycoder/internal/llm"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"
)

// echoLLM answers every request with a fixed reply, or fails with err.
type echoLLM struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (m *echoLLM) CreateChatCompletion(ctx context.Context, r openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return openai.ChatCompletionResponse{}, m.err
	}
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: m.reply}}}}, nil
}

// gateLLM holds each call until release is closed.
type gateLLM struct {
	entered chan struct{}
	release chan struct{}
}

func (m *gateLLM) CreateChatCompletion(ctx context.Context, r openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.entered <- struct{}{}
	<-m.release
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "late answer"}}}}, nil
}

func newTestServer(t *testing.T, envKey string, mock llm.Client) *httptest.Server {
	t.Helper()
	cfg := config.Config{
		LLM: config.LLMConfig{Model: "test-model", APIKey: envKey, SystemPrompt: "secret instruction"},
	}
	factory := func(key string) (agent.Completer, error) {
		if key == "bad key" {
			return nil, &llm.Error{Kind: llm.KindInitialization, Err: errors.New("malformed key")}
		}
		return llm.NewCompleterWithClient(mock), nil
	}
	srv := httptest.NewServer(New(cfg, factory).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func newBrowser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func getHistory(t *testing.T, c *http.Client, base string) apiHistoryResponse {
	t.Helper()
	resp, err := c.Get(base + "/api/messages")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out apiHistoryResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestWeb_NoCredentialWarnsAndKeepsHistoryEmpty(t *testing.T) {
	mock := &echoLLM{reply: "unused"}
	srv := newTestServer(t, "", mock)
	c := newBrowser(t)

	resp, err := c.Get(srv.URL + "/")
	require.NoError(t, err)
	page := body(t, resp)
	require.Contains(t, page, "No Groq API key configured")

	resp, err = c.PostForm(srv.URL+"/messages", url.Values{"prompt": {"hello"}})
	require.NoError(t, err)
	page = body(t, resp)
	require.Contains(t, page, "Please enter a valid Groq API key.")

	h := getHistory(t, c, srv.URL)
	require.Equal(t, "Idle", h.State)
	require.Empty(t, h.Messages)
	require.Zero(t, mock.calls)
}

func TestWeb_CredentialThenConversation(t *testing.T) {
	mock := &echoLLM{reply: "[x * 2 for x in xs]"}
	srv := newTestServer(t, "", mock)
	c := newBrowser(t)

	resp, err := c.PostForm(srv.URL+"/credential", url.Values{"api_key": {"gsk_user"}})
	require.NoError(t, err)
	body(t, resp)

	resp, err = c.PostForm(srv.URL+"/messages", url.Values{"prompt": {"What is a list comprehension?"}})
	require.NoError(t, err)
	page := body(t, resp)
	require.Contains(t, page, "What is a list comprehension?")
	require.Contains(t, page, "[x * 2 for x in xs]")
	require.NotContains(t, page, "secret instruction")

	h := getHistory(t, c, srv.URL)
	require.Equal(t, "Ready", h.State)
	require.Equal(t, []apiMessage{
		{Role: "user", Content: "What is a list comprehension?"},
		{Role: "assistant", Content: "[x * 2 for x in xs]"},
	}, h.Messages)
}

func TestWeb_BadCredentialShowsInitializationError(t *testing.T) {
	srv := newTestServer(t, "env-key", &echoLLM{reply: "x"})
	c := newBrowser(t)

	resp, err := c.PostForm(srv.URL+"/credential", url.Values{"api_key": {"bad key"}})
	require.NoError(t, err)
	page := body(t, resp)
	require.Contains(t, page, "Error initializing the Groq client: malformed key")
	require.Equal(t, "Idle", getHistory(t, c, srv.URL).State)
}

func TestWeb_APISubmitFailureKeepsUserMessage(t *testing.T) {
	mock := &echoLLM{err: errors.New("network unreachable")}
	srv := newTestServer(t, "env-key", mock)
	c := newBrowser(t)

	resp, err := c.Post(srv.URL+"/api/messages", "application/json", bytes.NewBufferString(`{"content":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	var apiErr apiError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	resp.Body.Close()
	require.Equal(t, "request failure", apiErr.Kind)
	require.Contains(t, apiErr.Error, "network unreachable")

	h := getHistory(t, c, srv.URL)
	require.Equal(t, "Ready", h.State)
	require.Equal(t, []apiMessage{{Role: "user", Content: "hi"}}, h.Messages)
}

func TestWeb_APIStatusCodes(t *testing.T) {
	srv := newTestServer(t, "", &echoLLM{reply: "ok"})
	c := newBrowser(t)

	resp, err := c.Post(srv.URL+"/api/messages", "application/json", bytes.NewBufferString(`{"content":"hi"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusPreconditionRequired, resp.StatusCode)

	resp, err = c.Post(srv.URL+"/api/credential", "application/json", bytes.NewBufferString(`{"api_key":"bad key"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, err = c.Post(srv.URL+"/api/credential", "application/json", bytes.NewBufferString(`{"api_key":"gsk_ok"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = c.Post(srv.URL+"/api/messages", "application/json", bytes.NewBufferString(`{"content":"  "}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = c.Post(srv.URL+"/api/messages", "application/json", bytes.NewBufferString(`not json`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = c.Post(srv.URL+"/api/messages", "application/json", bytes.NewBufferString(`{"content":"hi"}`))
	require.NoError(t, err)
	var msg apiMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	resp.Body.Close()
	require.Equal(t, apiMessage{Role: "assistant", Content: "ok"}, msg)
}

func TestWeb_SessionsAreIsolated(t *testing.T) {
	srv := newTestServer(t, "env-key", &echoLLM{reply: "answer"})
	alice, bob := newBrowser(t), newBrowser(t)

	resp, err := alice.PostForm(srv.URL+"/messages", url.Values{"prompt": {"alice question"}})
	require.NoError(t, err)
	body(t, resp)

	a := getHistory(t, alice, srv.URL)
	b := getHistory(t, bob, srv.URL)
	require.Len(t, a.Messages, 2)
	require.Empty(t, b.Messages)
	require.NotEqual(t, a.SessionID, b.SessionID)
}

func TestWeb_ResetDiscardsSession(t *testing.T) {
	srv := newTestServer(t, "env-key", &echoLLM{reply: "answer"})
	c := newBrowser(t)

	resp, err := c.PostForm(srv.URL+"/messages", url.Values{"prompt": {"q"}})
	require.NoError(t, err)
	body(t, resp)
	before := getHistory(t, c, srv.URL)
	require.Len(t, before.Messages, 2)

	resp, err = c.PostForm(srv.URL+"/reset", nil)
	require.NoError(t, err)
	body(t, resp)

	after := getHistory(t, c, srv.URL)
	require.Empty(t, after.Messages)
	require.NotEqual(t, before.SessionID, after.SessionID)
}

func TestWeb_Health(t *testing.T) {
	srv := newTestServer(t, "", &echoLLM{})
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, "ok", body(t, resp))
}

func TestWeb_PageWhileRequestInFlight(t *testing.T) {
	mock := &gateLLM{entered: make(chan struct{}, 1), release: make(chan struct{})}
	srv := newTestServer(t, "env-key", mock)
	c := newBrowser(t)

	// establish the session cookie first
	resp, err := c.Get(srv.URL + "/")
	require.NoError(t, err)
	body(t, resp)

	done := make(chan error, 1)
	go func() {
		resp, err := c.PostForm(srv.URL+"/messages", url.Values{"prompt": {"slow question"}})
		if err == nil {
			resp.Body.Close()
		}
		done <- err
	}()

	select {
	case <-mock.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("completion was never requested")
	}

	resp, err = c.Get(srv.URL + "/")
	require.NoError(t, err)
	page := body(t, resp)
	require.NotContains(t, page, "No Groq API key configured")
	require.NotContains(t, page, "Please enter a valid Groq API key")
	require.Contains(t, page, `<p id="thinking" class="active">`)
	require.Contains(t, page, "slow question")

	close(mock.release)
	require.NoError(t, <-done)

	resp, err = c.Get(srv.URL + "/")
	require.NoError(t, err)
	page = body(t, resp)
	require.Contains(t, page, "late answer")
	require.NotContains(t, page, `class="active"`)
}
