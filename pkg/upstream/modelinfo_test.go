package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchModelInfoDetailEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v0/models/local-model", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"loaded_context_length": 8192, "max_context_length": 32768, "state": "loaded"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "k")
	info := c.FetchModelInfo(context.Background(), "local-model")

	require.NoError(t, info.Err)
	assert.True(t, info.HasLoaded)
	assert.Equal(t, 8192, info.LoadedContextLength)
	assert.Equal(t, "lmstudio.loaded_context_length", info.Source)
}

func TestFetchModelInfoFallsBackToModelList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v0/models/local-model":
			w.WriteHeader(http.StatusNotFound)
		case "/api/v0/models":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"data": [{"id": "other"}, {"id": "local-model", "max_context_length": 4096}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "k")
	info := c.FetchModelInfo(context.Background(), "local-model")

	require.NoError(t, info.Err)
	assert.True(t, info.HasMax)
	assert.Equal(t, 4096, info.MaxContextLength)
	assert.Equal(t, "lmstudio.max_context_length", info.Source)
}

func TestFetchModelInfoDefaultsOnTotalFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "k")
	info := c.FetchModelInfo(context.Background(), "missing-model")

	require.Error(t, info.Err)
	assert.Equal(t, "default", info.Source)
}
