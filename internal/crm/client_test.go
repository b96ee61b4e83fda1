package crm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetsync-server/internal/domain"
)

func newTestClient(t *testing.T, handler http.Handler) (*HTTPClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewHTTPClient(Config{
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/oauth/token",
		ClientID:     "test-client",
		ClientSecret: "test-secret",
	}, nil)
	return client, srv
}

func tokenHandler(calls *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "opaque-token",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	}
}

func TestAuthenticate_CachesToken(t *testing.T) {
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", tokenHandler(&tokenCalls))

	client, _ := newTestClient(t, mux)

	tok1, err := client.Authenticate(context.Background())
	require.NoError(t, err)
	tok2, err := client.Authenticate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, tok1, tok2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenCalls))
}

func TestDo_ReauthenticatesAfter401(t *testing.T) {
	var tokenCalls, changeCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", tokenHandler(&tokenCalls))
	mux.HandleFunc("/changes", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&changeCalls, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"records": []interface{}{}, "next_cursor": "c2"})
	})

	client, _ := newTestClient(t, mux)

	_, _, err := client.FetchChangedSince(context.Background(), "c1")
	require.Error(t, err)
	assert.True(t, IsTransient(err), "401 must be retryable after cache drop")

	_, cursor, err := client.FetchChangedSince(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "c2", cursor)
	assert.Equal(t, int32(2), atomic.LoadInt32(&tokenCalls))
}

func TestFetchChangedSince_DecodesSnapshots(t *testing.T) {
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", tokenHandler(&tokenCalls))
	mux.HandleFunc("/changes", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer opaque-token", r.Header.Get("Authorization"))
		assert.Equal(t, "abc", r.URL.Query().Get("cursor"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"records": []map[string]interface{}{
				{
					"id":         "crm-1",
					"type":       "lead",
					"fields":     map[string]string{"email": "x@y.com"},
					"updated_at": "2026-08-29T10:00:00Z",
				},
			},
			"next_cursor": "def",
		})
	})

	client, _ := newTestClient(t, mux)

	snaps, cursor, err := client.FetchChangedSince(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "def", cursor)
	require.Len(t, snaps, 1)
	assert.Equal(t, "crm-1", snaps[0].ID)
	assert.Equal(t, domain.EntityTypeLead, snaps[0].Type)
	assert.Equal(t, "x@y.com", snaps[0].Fields["email"])
}

func TestCreate_ReturnsRemoteID(t *testing.T) {
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", tokenHandler(&tokenCalls))
	mux.HandleFunc("/records/lead", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "crm-42"})
	})

	client, _ := newTestClient(t, mux)

	id, err := client.Create(context.Background(), domain.EntityTypeLead, map[string]string{"email": "x@y.com"})
	require.NoError(t, err)
	assert.Equal(t, "crm-42", id)
}

func TestErrorClassification(t *testing.T) {
	var tokenCalls int32
	status := int32(http.StatusBadRequest)
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", tokenHandler(&tokenCalls))
	mux.HandleFunc("/records/lead/crm-1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(atomic.LoadInt32(&status)))
	})

	client, _ := newTestClient(t, mux)

	err := client.Update(context.Background(), "crm-1", domain.EntityTypeLead, nil)
	require.Error(t, err)
	assert.False(t, IsTransient(err), "validation rejection is permanent")

	var re *RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusBadRequest, re.StatusCode)

	for _, code := range []int32{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway} {
		atomic.StoreInt32(&status, code)
		err := client.Update(context.Background(), "crm-1", domain.EntityTypeLead, nil)
		require.Error(t, err)
		assert.True(t, IsTransient(err), "status %d must be transient", code)
	}
}
