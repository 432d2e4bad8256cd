package tools

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

	"loom/internal/logging"
	"loom/pkg/types"
)

func TestHTTPExecutorForwardsCall(t *testing.T) {
	var captured sandboxRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/execute", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		fmt.Fprint(w, `{"success":true,"output":"4 files"}`)
	}))
	defer srv.Close()

	exec := NewHTTPExecutor(srv.URL, time.Second, []string{"list_files"}, logging.Nop())
	result := exec.Execute(context.Background(), types.ToolCall{
		Name:      "list_files",
		Arguments: map[string]any{"path": "/tmp"},
	})

	assert.True(t, result.Success)
	assert.Equal(t, "4 files", result.Output)
	assert.Equal(t, "list_files", captured.Tool)
	assert.Equal(t, "/tmp", captured.Arguments["path"])
}

func TestHTTPExecutorSandboxFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":false,"error":"permission denied"}`)
	}))
	defer srv.Close()

	exec := NewHTTPExecutor(srv.URL, time.Second, nil, logging.Nop())
	result := exec.Execute(context.Background(), types.ToolCall{Name: "read_file"})
	assert.False(t, result.Success)
	assert.Equal(t, "permission denied", result.Error)
}

func TestHTTPExecutorUnreachableSandbox(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	exec := NewHTTPExecutor(url, 100*time.Millisecond, nil, logging.Nop())
	result := exec.Execute(context.Background(), types.ToolCall{Name: "read_file"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "sandbox unreachable")
}

func TestHTTPExecutorBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	exec := NewHTTPExecutor(srv.URL, time.Second, nil, logging.Nop())
	result := exec.Execute(context.Background(), types.ToolCall{Name: "read_file"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "status 403")
}
