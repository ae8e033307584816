package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/casevault/agent/internal/infra/api"
	"github.com/casevault/agent/pkg/common/logger"
)

// newTestClient builds a client against the given API handler, with a local
// token endpoint serving the OAuth2 client-credentials flow.
func newTestClient(t *testing.T, handler http.Handler) (*api.Client, *httptest.Server) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"test-token","token_type":"bearer","expires_in":3600}`))
	})
	mux.Handle("/", handler)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client, err := api.NewClient(api.Config{
		BaseURL:      server.URL,
		TokenURL:     server.URL + "/oauth/token",
		ClientID:     "agent",
		ClientSecret: "secret",
		AgentVersion: "test",
	}, logger.Noop(), noop.NewTracerProvider().Tracer(""))
	require.NoError(t, err)

	return client, server
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := api.NewClient(api.Config{
		BaseURL:  "https://api.example",
		TokenURL: "https://auth.example/token",
	}, logger.Noop(), noop.NewTracerProvider().Tracer(""))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials")
}

func TestHeartbeatReturnsEvents(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/agent/heartbeat", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))
		assert.Equal(t, "test", r.Header.Get("X-Agent-Version"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "test", body["agentVersion"])

		_, _ = w.Write([]byte(`{"events":[
			{"type":".PongEvent","eventId":"evt-1","payload":{"message":"hi"}},
			{"type":".CaseReadyEvent"}
		]}`))
	}))

	evts, err := client.Heartbeat(context.Background())
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, "evt-1", evts[0].ID)
	assert.Equal(t, ".PongEvent", string(evts[0].Type))
	assert.Empty(t, evts[1].ID)
}

func TestHeartbeatToleratesAbsentEventsField(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))

	evts, err := client.Heartbeat(context.Background())
	require.NoError(t, err)
	assert.Empty(t, evts)
}

func TestHeartbeatDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := client.Heartbeat(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "heartbeat must not retry inside a cycle")

	var statusErr *api.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.Status)
	assert.True(t, statusErr.Temporary())
}

func TestAcknowledge(t *testing.T) {
	var gotPath string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, client.Acknowledge(context.Background(), "evt-42"))
	assert.Equal(t, "/v1/agent/events/evt-42/ack", gotPath)
}

func TestAcknowledgeDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	err := client.Acknowledge(context.Background(), "evt-42")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPingSendsTenant(t *testing.T) {
	var body map[string]string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/agent/ping", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusAccepted)
	}))

	require.NoError(t, client.Ping(context.Background(), "tenant-1"))
	assert.Equal(t, "tenant-1", body["tenantId"])
}

func TestCreateCaseScopesTenantHeader(t *testing.T) {
	var tenant string
	var got api.Case
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant = r.Header.Get("X-Tenant-Id")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))

	cs := api.Case{CaseID: "case-1", Reference: "ref-1", CaseData: map[string]string{"PII_LASTNAME": "Bernasconi"}}
	require.NoError(t, client.CreateCase(context.Background(), "tenant-1", cs))

	assert.Equal(t, "tenant-1", tenant)
	assert.Equal(t, "case-1", got.CaseID)
	assert.Equal(t, "Bernasconi", got.CaseData["PII_LASTNAME"])
}

func TestCreateCaseRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	require.NoError(t, client.CreateCase(context.Background(), "tenant-1", api.Case{CaseID: "case-1"}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestCreateCaseDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
	}))

	err := client.CreateCase(context.Background(), "tenant-1", api.Case{CaseID: "case-1"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "4xx responses are permanent")
}

func TestCreateSourceFileUploadsMultipart(t *testing.T) {
	var meta api.SourceFile
	var content []byte
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sourcefiles", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		require.NoError(t, json.Unmarshal([]byte(r.FormValue("sourcefile")), &meta))

		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		content, err = io.ReadAll(f)
		require.NoError(t, err)

		w.WriteHeader(http.StatusCreated)
	}))

	sf := api.SourceFile{
		SourceFileID:  "sf-1",
		CaseID:        "case-1",
		Folder:        "unknown",
		FileReference: "sample.pdf",
		Metadata:      map[string]string{"pipeline.disabled": "false"},
	}
	require.NoError(t, client.CreateSourceFile(context.Background(), sf, strings.NewReader("%PDF-1.4 fake")))

	assert.Equal(t, "sf-1", meta.SourceFileID)
	assert.Equal(t, "false", meta.Metadata["pipeline.disabled"])
	assert.Equal(t, "%PDF-1.4 fake", string(content))
}

func TestProcessedSourceFile(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sourcefiles/sf-1/processed", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"sourceFileId":"sf-1",
			"originalFilename":"sample.pdf",
			"documents":[{"startPage":1,"endPage":3,"diagnoses":[{"code":"M54.5"}]}]
		}`))
	}))

	processed, err := client.ProcessedSourceFile(context.Background(), "sf-1")
	require.NoError(t, err)
	assert.Equal(t, "sample.pdf", processed.OriginalFilename)
	require.Len(t, processed.Documents, 1)
	assert.Equal(t, "M54.5", processed.Documents[0].Diagnoses[0].Code)
}

func TestDownloadFileStreams(t *testing.T) {
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/files/export-1", r.URL.Path)
		_, _ = w.Write([]byte("export-bytes"))
	}))

	body, err := client.DownloadFile(context.Background(), server.URL+"/v1/files/export-1")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "export-bytes", string(data))
}
