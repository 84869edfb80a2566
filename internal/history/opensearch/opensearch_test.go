package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/readyd/internal/history"
)

func TestSink_Send(t *testing.T) {
	var gotPath, gotMethod, gotType string
	var got history.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotType = r.Method, r.URL.Path, r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := New(srv.URL+"/", "workers")
	ev := history.NewEvent(history.EventReady, "afterfx", 4242, "")
	require.NoError(t, s.Send(context.Background(), ev))

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/workers/_doc", gotPath)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, history.EventReady, got.Type)
	assert.Equal(t, 4242, got.PID)
	assert.Equal(t, "afterfx", got.Name)
}

func TestSink_DefaultIndex(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, New(srv.URL, "").Send(context.Background(), history.NewEvent(history.EventKill, "w", 1, "stalled")))
	assert.Equal(t, "/readyd-history/_doc", gotPath)
}

func TestSink_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := New(srv.URL, "idx").Send(context.Background(), history.NewEvent(history.EventStart, "w", 1, ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}
