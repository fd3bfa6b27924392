package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	jwttoken "constitutional/internal/jwt_token"
	"constitutional/internal/migration/checkpoint"
	"constitutional/internal/migration/connector"
	"constitutional/internal/migration/models"
	"constitutional/internal/migration/orchestrator"
	"constitutional/internal/migration/ports"
	checkpointstore "constitutional/internal/migration/store/checkpoint"
	destinationstore "constitutional/internal/migration/store/destination"
	diffstore "constitutional/internal/migration/store/diff"
	jobstore "constitutional/internal/migration/store/job"
	"constitutional/internal/migration/validate"
)

// HandlerSuite wires the handler against a real orchestrator over in-memory
// stores; handler tests validate HTTP concerns only.
type HandlerSuite struct {
	suite.Suite
	router http.Handler
	orch   *orchestrator.Orchestrator
	token  string
}

func (s *HandlerSuite) SetupTest() {
	registry := connector.NewRegistry()
	registry.Register("static", func() ports.SourceConnector {
		return connector.NewStatic([]models.Record{
			{"bill_id": "bill-1", "title": "Fixture Bill", "status": "draft"},
		})
	})

	orch, err := orchestrator.New(
		jobstore.NewInMemoryStore(),
		checkpoint.NewManager(checkpointstore.NewInMemoryStore()),
		diffstore.NewInMemoryStore(),
		destinationstore.NewInMemoryStore(),
		registry,
		validate.New(),
	)
	require.NoError(s.T(), err)
	s.orch = orch

	jwtService := jwttoken.NewJWTService("handler-test-key", "test", "test")
	token, err := jwtService.GenerateAccessToken("clerk-1", time.Hour)
	require.NoError(s.T(), err)
	s.token = token

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	handler := New(orch, logger, jwttoken.NewJWTServiceAdapter(jwtService))

	r := chi.NewRouter()
	handler.Register(r)
	s.router = r
}

func (s *HandlerSuite) TearDownTest() {
	s.orch.Close()
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) request(method, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.T(), err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *HandlerSuite) createRequest() models.CreateJobRequest {
	return models.CreateJobRequest{
		Name:   "nightly congress sync",
		Type:   models.JobTypeCongress,
		Source: models.SourceConfig{Type: "static"},
		Mapping: []models.FieldMapping{
			{Source: "bill_id", Target: "id", Required: true},
			{Source: "title", Target: "title"},
		},
		Reconcile: models.ReconcileSettings{MatchFields: []string{"id"}},
	}
}

func (s *HandlerSuite) createJob() models.MigrationJob {
	rec := s.request(http.MethodPost, "/migration/jobs", s.createRequest())
	require.Equal(s.T(), http.StatusCreated, rec.Code)
	var job models.MigrationJob
	require.NoError(s.T(), json.Unmarshal(rec.Body.Bytes(), &job))
	return job
}

func (s *HandlerSuite) TestCreateJob() {
	job := s.createJob()
	assert.NotEmpty(s.T(), job.ID)
	assert.Equal(s.T(), models.JobStatusPending, job.Status)
	assert.Equal(s.T(), models.DefaultBatchSize, job.Config.Options.BatchSize)
}

func (s *HandlerSuite) TestCreateJob_InvalidJSON() {
	req := httptest.NewRequest(http.MethodPost, "/migration/jobs",
		bytes.NewReader([]byte("not valid json")))
	req.Header.Set("Authorization", "Bearer "+s.token)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(s.T(), http.StatusBadRequest, rec.Code)
}

func (s *HandlerSuite) TestCreateJob_MissingMapping() {
	payload := s.createRequest()
	payload.Mapping = nil
	rec := s.request(http.MethodPost, "/migration/jobs", payload)
	assert.Equal(s.T(), http.StatusBadRequest, rec.Code)
}

func (s *HandlerSuite) TestRequiresAuth() {
	req := httptest.NewRequest(http.MethodGet, "/migration/jobs", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(s.T(), http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/migration/jobs", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(s.T(), http.StatusUnauthorized, rec.Code)
}

func (s *HandlerSuite) TestListJobs() {
	s.createJob()
	s.createJob()

	rec := s.request(http.MethodGet, "/migration/jobs", nil)
	require.Equal(s.T(), http.StatusOK, rec.Code)

	var body struct {
		Jobs  []models.MigrationJob `json:"jobs"`
		Total int                   `json:"total"`
	}
	require.NoError(s.T(), json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(s.T(), 2, body.Total)
	assert.Len(s.T(), body.Jobs, 2)
}

func (s *HandlerSuite) TestListJobs_Empty() {
	rec := s.request(http.MethodGet, "/migration/jobs", nil)
	require.Equal(s.T(), http.StatusOK, rec.Code)
	assert.JSONEq(s.T(), `{"jobs":[],"total":0}`, rec.Body.String())
}

func (s *HandlerSuite) TestGetJob() {
	job := s.createJob()

	rec := s.request(http.MethodGet, "/migration/jobs/"+job.ID, nil)
	require.Equal(s.T(), http.StatusOK, rec.Code)

	var got models.MigrationJob
	require.NoError(s.T(), json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(s.T(), job.ID, got.ID)
}

func (s *HandlerSuite) TestGetJob_NotFound() {
	rec := s.request(http.MethodGet, "/migration/jobs/ghost", nil)
	assert.Equal(s.T(), http.StatusNotFound, rec.Code)
}

func (s *HandlerSuite) TestStartJob() {
	job := s.createJob()

	rec := s.request(http.MethodPost, fmt.Sprintf("/migration/jobs/%s/start", job.ID), nil)
	require.Equal(s.T(), http.StatusOK, rec.Code)
	s.orch.Wait(job.ID)

	final, err := s.orch.GetJob(context.Background(), job.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), models.JobStatusCompleted, final.Status)
}

func (s *HandlerSuite) TestStartJob_Conflict() {
	job := s.createJob()
	rec := s.request(http.MethodPost, fmt.Sprintf("/migration/jobs/%s/start", job.ID), nil)
	require.Equal(s.T(), http.StatusOK, rec.Code)
	s.orch.Wait(job.ID)

	// Completed jobs cannot restart.
	rec = s.request(http.MethodPost, fmt.Sprintf("/migration/jobs/%s/start", job.ID), nil)
	assert.Equal(s.T(), http.StatusConflict, rec.Code)
}

func (s *HandlerSuite) TestPauseJob_Conflict() {
	job := s.createJob()
	rec := s.request(http.MethodPost, fmt.Sprintf("/migration/jobs/%s/pause", job.ID), nil)
	assert.Equal(s.T(), http.StatusConflict, rec.Code, "pending jobs cannot pause")
}

func (s *HandlerSuite) TestCancelJob() {
	job := s.createJob()
	rec := s.request(http.MethodPost, fmt.Sprintf("/migration/jobs/%s/cancel", job.ID), nil)
	require.Equal(s.T(), http.StatusOK, rec.Code)

	final, err := s.orch.GetJob(context.Background(), job.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), models.JobStatusCancelled, final.Status)
}

func (s *HandlerSuite) TestRollbackJob() {
	job := s.createJob()
	rec := s.request(http.MethodPost, fmt.Sprintf("/migration/jobs/%s/start", job.ID), nil)
	require.Equal(s.T(), http.StatusOK, rec.Code)
	s.orch.Wait(job.ID)

	rec = s.request(http.MethodPost, fmt.Sprintf("/migration/jobs/%s/rollback", job.ID), nil)
	require.Equal(s.T(), http.StatusOK, rec.Code)

	var rolled models.MigrationJob
	require.NoError(s.T(), json.Unmarshal(rec.Body.Bytes(), &rolled))
	assert.True(s.T(), rolled.RolledBack)
	assert.Equal(s.T(), models.JobStatusCancelled, rolled.Status)

	rec = s.request(http.MethodPost, fmt.Sprintf("/migration/jobs/%s/rollback", job.ID), nil)
	assert.Equal(s.T(), http.StatusConflict, rec.Code, "rollback is once per job")
}

func (s *HandlerSuite) TestRollbackJob_NotTerminal() {
	job := s.createJob()
	rec := s.request(http.MethodPost, fmt.Sprintf("/migration/jobs/%s/rollback", job.ID), nil)
	assert.Equal(s.T(), http.StatusConflict, rec.Code)
}

func (s *HandlerSuite) TestValidateBatch() {
	payload := models.ValidateBatchRequest{
		SchemaName: "bill",
		Records: []models.Record{
			{"id": "b-1", "title": "Valid Title", "status": "draft"},
			{"id": "b-2", "status": "draft"},
		},
	}
	rec := s.request(http.MethodPost, "/migration/validate", payload)
	require.Equal(s.T(), http.StatusOK, rec.Code)

	var result validate.BatchResult
	require.NoError(s.T(), json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(s.T(), 2, result.Total)
	assert.Equal(s.T(), 1, result.Valid)
	assert.Equal(s.T(), 1, result.Invalid)
}

func (s *HandlerSuite) TestValidateBatch_MissingSchemaName() {
	rec := s.request(http.MethodPost, "/migration/validate",
		models.ValidateBatchRequest{Records: []models.Record{{"id": "x"}}})
	assert.Equal(s.T(), http.StatusBadRequest, rec.Code)
}

func (s *HandlerSuite) TestValidateSingle() {
	payload := models.ValidateSingleRequest{
		SchemaName: "bill",
		Record:     models.Record{"id": "b-1", "title": "Valid Title", "status": "draft"},
	}
	rec := s.request(http.MethodPost, "/migration/validate/single", payload)
	require.Equal(s.T(), http.StatusOK, rec.Code)

	var result validate.Result
	require.NoError(s.T(), json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(s.T(), result.Valid)
}

func (s *HandlerSuite) TestListSchemas() {
	rec := s.request(http.MethodGet, "/migration/validate/schemas", nil)
	require.Equal(s.T(), http.StatusOK, rec.Code)

	var body struct {
		Schemas []string `json:"schemas"`
	}
	require.NoError(s.T(), json.Unmarshal(rec.Body.Bytes(), &body))
	assert.ElementsMatch(s.T(), []string{"bill", "person", "region", "vote"}, body.Schemas)
}
