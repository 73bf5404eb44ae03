package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/media-jobs/internal/api/dto"
	"github.com/cuongbtq/media-jobs/internal/api/handler"
	"github.com/cuongbtq/media-jobs/internal/artifact"
	"github.com/cuongbtq/media-jobs/internal/config"
	"github.com/cuongbtq/media-jobs/internal/domain"
	"github.com/cuongbtq/media-jobs/internal/queue"
	"github.com/cuongbtq/media-jobs/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	router    *gin.Engine
	store     *storage.MemoryStore
	queue     *queue.MemoryQueue
	artifacts *artifact.LocalStore
}

func newTestServer(t *testing.T, store storage.Store) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	artifacts, err := artifact.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	mem := storage.NewMemoryStore()
	if store == nil {
		store = mem
	}

	q := queue.NewMemoryQueue(time.Minute, 10*time.Millisecond)
	t.Cleanup(func() { _ = q.Close() })

	deps := &handler.Dependencies{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		ServiceName: "media-jobs-api",
		Store:       store,
		Queue:       q,
		Artifacts:   artifacts,
		Upload: config.UploadConfig{
			MaxSizeMB:         1,
			AllowedExtensions: []string{"mp3", "wav"},
			MaxAttempts:       3,
		},
		Engine: config.EngineConfig{
			Profiles:        map[string]string{"fast": "tiny", "accurate": "medium"},
			DefaultProfile:  "fast",
			DefaultLanguage: "en",
		},
	}

	return &testServer{
		router:    SetupRouter(deps),
		store:     mem,
		queue:     q,
		artifacts: artifacts,
	}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func uploadRequest(t *testing.T, filename string, content []byte, fields map[string]string) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		part, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestCreateJob_Accepted(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(uploadRequest(t, "talk.mp3", []byte("audio"), map[string]string{
		"engine":   "accurate",
		"language": "PT",
	}))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	got := decode[dto.JobDTO](t, w)
	assert.Equal(t, "queued", got.Status)
	assert.Equal(t, "accurate", got.Parameters.Engine)
	assert.Equal(t, "pt", got.Parameters.Language)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Equal(t, 3, got.MaxAttempts)
	assert.NotEmpty(t, got.CreatedAt)
	assert.True(t, strings.HasSuffix(got.ArtifactRef, "_talk.mp3"), got.ArtifactRef)

	job, err := s.store.GetJobByID(context.Background(), got.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)

	stored, err := os.ReadFile(filepath.Join(s.artifacts.Root(), got.ArtifactRef))
	require.NoError(t, err)
	assert.Equal(t, "audio", string(stored))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, err := s.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, got.JobID, task.JobID)
}

func TestCreateJob_Defaults(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(uploadRequest(t, "clip.WAV", []byte("audio"), nil))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	got := decode[dto.JobDTO](t, w)
	assert.Equal(t, "fast", got.Parameters.Engine)
	assert.Equal(t, "en", got.Parameters.Language)
}

func TestCreateJob_Rejected(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  []byte
		fields   map[string]string
		wantCode int
		wantErr  string
	}{
		{
			name:     "missing file",
			wantCode: http.StatusBadRequest,
			wantErr:  "file is required",
		},
		{
			name:     "unsupported extension",
			filename: "notes.txt",
			content:  []byte("text"),
			wantCode: http.StatusBadRequest,
			wantErr:  "unsupported file type",
		},
		{
			name:     "no extension",
			filename: "recording",
			content:  []byte("audio"),
			wantCode: http.StatusBadRequest,
			wantErr:  "unsupported file type",
		},
		{
			name:     "unknown engine",
			filename: "talk.mp3",
			content:  []byte("audio"),
			fields:   map[string]string{"engine": "turbo"},
			wantCode: http.StatusBadRequest,
			wantErr:  "unknown engine",
		},
		{
			name:     "invalid language",
			filename: "talk.mp3",
			content:  []byte("audio"),
			fields:   map[string]string{"language": "e1"},
			wantCode: http.StatusBadRequest,
			wantErr:  "invalid language",
		},
		{
			name:     "too large",
			filename: "talk.mp3",
			content:  bytes.Repeat([]byte("a"), 1<<20+1),
			wantCode: http.StatusRequestEntityTooLarge,
			wantErr:  "exceeds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)

			w := s.do(uploadRequest(t, tt.filename, tt.content, tt.fields))
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Contains(t, decode[map[string]string](t, w)["error"], tt.wantErr)

			depth, err := s.queue.Depth(context.Background())
			require.NoError(t, err)
			assert.Zero(t, depth)

			entries, err := os.ReadDir(s.artifacts.Root())
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestCreateJob_BodyOverLimit(t *testing.T) {
	s := newTestServer(t, nil)

	// well past the upload limit plus multipart headroom
	w := s.do(uploadRequest(t, "talk.mp3", bytes.Repeat([]byte("a"), 3<<20), nil))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code, w.Body.String())
}

// unavailableStore fails every write as if the database were down
type unavailableStore struct {
	*storage.MemoryStore
}

func (unavailableStore) CreateJob(context.Context, *domain.Job) error {
	return fmt.Errorf("failed to insert job: %w", domain.ErrStoreUnavailable)
}

func (unavailableStore) Ping(context.Context) error {
	return domain.ErrStoreUnavailable
}

func TestCreateJob_StoreUnavailable(t *testing.T) {
	s := newTestServer(t, unavailableStore{storage.NewMemoryStore()})

	w := s.do(uploadRequest(t, "talk.mp3", []byte("audio"), nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	// the upload is removed when the job could not be recorded
	entries, err := os.ReadDir(s.artifacts.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGetJob(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	w := s.do(uploadRequest(t, "talk.mp3", []byte("audio"), nil))
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode[dto.JobDTO](t, w).JobID

	t.Run("queued job hides result and error", func(t *testing.T) {
		w := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+id, nil))
		require.Equal(t, http.StatusOK, w.Code)

		got := decode[map[string]any](t, w)
		assert.Equal(t, "queued", got["status"])
		assert.NotContains(t, got, "result")
		assert.NotContains(t, got, "error")
		assert.NotContains(t, got, "finished_at")
	})

	t.Run("completed job exposes result", func(t *testing.T) {
		_, err := s.store.ClaimJob(ctx, id, "w-1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.store.CompleteJob(ctx, id, "w-1", "hello world"))

		w := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+id, nil))
		require.Equal(t, http.StatusOK, w.Code)

		got := decode[dto.JobDTO](t, w)
		assert.Equal(t, "completed", got.Status)
		require.NotNil(t, got.Result)
		assert.Equal(t, "hello world", *got.Result)
		assert.Nil(t, got.Error)
		assert.Equal(t, 1, got.AttemptCount)
		assert.NotEmpty(t, got.FinishedAt)
	})

	t.Run("unknown id", func(t *testing.T) {
		w := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("malformed id", func(t *testing.T) {
		w := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/not-a-uuid", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestGetJob_FailedExposesError(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	w := s.do(uploadRequest(t, "talk.mp3", []byte("audio"), nil))
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode[dto.JobDTO](t, w).JobID

	_, err := s.store.ClaimJob(ctx, id, "w-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.store.FailJob(ctx, id, "w-1", domain.JobError{
		Kind:    domain.ErrorKindPermanentEngine,
		Message: "unsupported codec",
	}))

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+id, nil))
	require.Equal(t, http.StatusOK, w.Code)

	got := decode[dto.JobDTO](t, w)
	assert.Equal(t, "failed", got.Status)
	assert.Nil(t, got.Result)
	require.NotNil(t, got.Error)
	assert.Equal(t, "PermanentEngineError", got.Error.Kind)
	assert.Equal(t, "unsupported codec", got.Error.Message)
}

func TestListJobs_Pagination(t *testing.T) {
	s := newTestServer(t, nil)

	var ids []string
	for i := 0; i < 5; i++ {
		w := s.do(uploadRequest(t, fmt.Sprintf("talk-%d.mp3", i), []byte("audio"), nil))
		require.Equal(t, http.StatusAccepted, w.Code)
		ids = append(ids, decode[dto.JobDTO](t, w).JobID)
	}

	var seen []string
	cursor := ""
	pages := 0
	for {
		url := "/api/v1/jobs?page_size=2"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		w := s.do(httptest.NewRequest(http.MethodGet, url, nil))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		page := decode[dto.ListJobsResponse](t, w)
		assert.LessOrEqual(t, len(page.Jobs), 2)
		for _, j := range page.Jobs {
			seen = append(seen, j.JobID)
		}
		pages++

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
		require.Less(t, pages, 10)
	}

	assert.Equal(t, 3, pages)
	require.Len(t, seen, 5)
	// newest first
	for i := range ids {
		assert.Equal(t, ids[len(ids)-1-i], seen[i])
	}
}

func TestListJobs_StatusFilter(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		w := s.do(uploadRequest(t, "talk.mp3", []byte("audio"), nil))
		require.Equal(t, http.StatusAccepted, w.Code)
		ids = append(ids, decode[dto.JobDTO](t, w).JobID)
	}

	_, err := s.store.ClaimJob(ctx, ids[1], "w-1", time.Minute)
	require.NoError(t, err)

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs?status=running", nil))
	require.Equal(t, http.StatusOK, w.Code)

	page := decode[dto.ListJobsResponse](t, w)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, ids[1], page.Jobs[0].JobID)
	assert.Empty(t, page.NextCursor)

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs?status=queued", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[dto.ListJobsResponse](t, w).Jobs, 2)
}

func TestListJobs_Empty(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"jobs":[]}`, w.Body.String())
}

func TestListJobs_InvalidQuery(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{name: "unknown status", query: "status=canceled"},
		{name: "page size too large", query: "page_size=101"},
		{name: "negative page size", query: "page_size=-1"},
		{name: "non-numeric page size", query: "page_size=ten"},
		{name: "garbage cursor", query: "cursor=%21%21%21"},
		{name: "cursor without separator", query: "cursor=bm9wZQ"},
	}

	s := newTestServer(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs?"+tt.query, nil))
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		s := newTestServer(t, nil)

		w := s.do(httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, w.Code)

		got := decode[map[string]string](t, w)
		assert.Equal(t, "healthy", got["status"])
		assert.Equal(t, "media-jobs-api", got["service"])
	})

	t.Run("store unavailable", func(t *testing.T) {
		s := newTestServer(t, unavailableStore{storage.NewMemoryStore()})

		w := s.do(httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "unhealthy", decode[map[string]string](t, w)["status"])
	})
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(httptest.NewRequest(http.MethodOptions, "/api/v1/jobs", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestProcessTimeHeader(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name       string
		req        *http.Request
		wantStatus int
	}{
		{name: "health", req: httptest.NewRequest(http.MethodGet, "/health", nil), wantStatus: http.StatusOK},
		{name: "unknown job", req: httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), nil), wantStatus: http.StatusNotFound},
		{name: "preflight", req: httptest.NewRequest(http.MethodOptions, "/api/v1/jobs", nil), wantStatus: http.StatusNoContent},
		{name: "unknown route", req: httptest.NewRequest(http.MethodGet, "/nowhere", nil), wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(tt.req)
			assert.Equal(t, tt.wantStatus, w.Code)

			raw := w.Header().Get(ProcessTimeHeader)
			require.NotEmpty(t, raw)
			seconds, err := strconv.ParseFloat(raw, 64)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, seconds, 0.0)
			assert.Less(t, seconds, 5.0)
		})
	}
}
