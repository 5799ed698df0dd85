package remoteapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdaemon/agentd/internal/config"
	"github.com/bdaemon/agentd/internal/remoteapi"
	"github.com/bdaemon/agentd/internal/sink"
	"github.com/bdaemon/agentd/internal/syncworker"
)

type staticTokens struct{ token string }

func (s staticTokens) GetValidToken(ctx context.Context) (string, error) { return s.token, nil }

func TestUpsertMessagesPostsBatchWithBearerToken(t *testing.T) {
	var gotAuth, gotMethod, gotPath string
	var gotBody []syncworker.MessageUpsert

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotMethod = r.Method
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := remoteapi.New(config.RemoteAPIConfig{BaseURL: srv.URL}, staticTokens{token: "tok123"})
	err := c.UpsertMessages(context.Background(), []syncworker.MessageUpsert{
		{SessionID: "s1", SequenceNumber: 1, ContentEncrypted: "ZGF0YQ==", ContentNonce: "bm9uY2U="},
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok123", gotAuth)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/rest/v1/messages", gotPath)
	require.Len(t, gotBody, 1)
	assert.Equal(t, "s1", gotBody[0].SessionID)
}

func TestUpsertSessionSendsMetadata(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := remoteapi.New(config.RemoteAPIConfig{BaseURL: srv.URL}, nil)
	err := c.UpsertSession(context.Background(), "sess-1", sink.RepositoryMetadata{
		RepositoryID: "repo-1", Title: "fix bug", CurrentBranch: "main",
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", gotBody["id"])
	assert.Equal(t, "repo-1", gotBody["repository_id"])
}

func TestNonSuccessStatusIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := remoteapi.New(config.RemoteAPIConfig{BaseURL: srv.URL}, nil)
	err := c.DeleteSession(context.Background(), "sess-1")
	assert.Error(t, err)
}
