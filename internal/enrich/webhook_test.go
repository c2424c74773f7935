package enrich

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-pipeline/internal/model"
	"github.com/sells-group/prospect-pipeline/internal/resilience"
)

func TestEnrich_Success(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewWebhook(srv.URL, 5*time.Second)
	err := e.Enrich(context.Background(), model.ProspectRecord{
		ID: "p-1", Domain: "acme.com", Name: "Acme",
	})
	require.NoError(t, err)
	assert.Equal(t, "p-1", got["prospect_id"])
	assert.Equal(t, "acme.com", got["domain"])
}

func TestEnrich_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "temporarily down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := NewWebhook(srv.URL, 5*time.Second)
	err := e.Enrich(context.Background(), model.ProspectRecord{ID: "p-1", Domain: "acme.com"})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestEnrich_TooManyRequestsIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	e := NewWebhook(srv.URL, 5*time.Second)
	err := e.Enrich(context.Background(), model.ProspectRecord{ID: "p-1", Domain: "acme.com"})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestEnrich_ClientErrorIsBusinessFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no data for domain", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	e := NewWebhook(srv.URL, 5*time.Second)
	err := e.Enrich(context.Background(), model.ProspectRecord{ID: "p-1", Domain: "acme.com"})
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
	assert.Contains(t, err.Error(), "422")
}

func TestEnrich_TransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	e := NewWebhook(srv.URL, time.Second)
	err := e.Enrich(context.Background(), model.ProspectRecord{ID: "p-1", Domain: "acme.com"})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}
