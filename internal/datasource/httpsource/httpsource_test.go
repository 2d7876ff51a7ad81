package httpsource

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retcon-sync/retcon/internal/datasource"
	"github.com/retcon-sync/retcon/internal/document"
	"github.com/retcon-sync/retcon/internal/idkey"
)

func newTestServer(t *testing.T, tokenURL string) *httptest.Server {
	t.Helper()

	store := map[string]map[string]string{}

	mux := http.NewServeMux()
	mux.HandleFunc("/customers/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/customers/"):]

		switch r.Method {
		case http.MethodGet:
			doc, ok := store[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}

			json.NewEncoder(w).Encode(doc)
		case http.MethodPut:
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			store[id] = body
			w.WriteHeader(http.StatusOK)
		case http.MethodDelete:
			delete(store, id)
			w.WriteHeader(http.StatusOK)
		}
	})

	return httptest.NewServer(mux)
}

func tokenServer(t *testing.T) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
}

func TestSource_SetGetDelete(t *testing.T) {
	ts := tokenServer(t)
	defer ts.Close()

	api := newTestServer(t, ts.URL)
	defer api.Close()

	s := New()
	require.NoError(t, s.Init(context.Background(), map[string]string{
		"base_url":      api.URL,
		"path_template": "/customers/%s",
		"token_url":     ts.URL,
		"client_id":     "id",
		"client_secret": "secret",
	}))

	doc := document.New()
	doc.Set(document.NewPath("name"), "Alice")

	fk := idkey.ForeignKey{Entity: "customer", Source: "rest", ID: "42"}

	_, err := s.Set(context.Background(), fk, doc)
	require.NoError(t, err)

	got, err := s.Get(context.Background(), fk)
	require.NoError(t, err)
	assert.True(t, doc.Equal(got))

	require.NoError(t, s.Delete(context.Background(), fk))

	_, err = s.Get(context.Background(), fk)
	assert.ErrorIs(t, err, datasource.ErrMissing)
}
