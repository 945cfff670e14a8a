package workflows

import (
	"context"
	"sync"
	"testing"

	"github.com/stanstork/stratum-connect/internal/models"
	"github.com/stanstork/stratum-connect/internal/temporal"
	"github.com/stanstork/stratum-connect/internal/temporal/activities"
	"github.com/stanstork/stratum-connect/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
)

type memoryFailures struct {
	mu       sync.Mutex
	failures map[string]*models.WebhookFailure
}

func (m *memoryFailures) Get(_ context.Context, id string) (*models.WebhookFailure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.failures[id]
	if !ok {
		return nil, nil
	}
	cp := *f
	return &cp, nil
}

func (m *memoryFailures) RecordRetry(_ context.Context, id string, attempts int, lastError string, httpStatus *int, status models.WebhookFailureStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.failures[id]
	f.RetryCount += attempts
	f.LastError = lastError
	f.HTTPStatus = httpStatus
	f.Status = status
	return nil
}

func (m *memoryFailures) MarkResolved(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id].Status = models.WebhookFailureResolved
	return nil
}

type stubDispatcher struct {
	mu     sync.Mutex
	calls  int
	result webhook.Result
	status models.WebhookFailureStatus
}

func (s *stubDispatcher) Redeliver(_ context.Context, _ models.WebhookFailure) (webhook.Result, models.WebhookFailureStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.result, s.status
}

type ReplayWorkflowSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite

	env        *testsuite.TestWorkflowEnvironment
	failures   *memoryFailures
	dispatcher *stubDispatcher
}

func (s *ReplayWorkflowSuite) SetupTest() {
	tenantID := "tenant-1"
	s.failures = &memoryFailures{failures: map[string]*models.WebhookFailure{
		"f1": {
			ID:         "f1",
			TenantID:   &tenantID,
			Action:     "trigger_sync",
			Payload:    []byte(`{"action":"trigger_sync"}`),
			RetryCount: 3,
			Status:     models.WebhookFailureFailed,
		},
	}}
	s.dispatcher = &stubDispatcher{}

	s.env = s.NewTestWorkflowEnvironment()
	s.env.RegisterWorkflow(ReplayWebhookFailureWorkflow)
	s.env.RegisterActivity(&activities.Activities{Failures: s.failures, Dispatcher: s.dispatcher})
}

func (s *ReplayWorkflowSuite) AfterTest(_, _ string) {
	s.env.AssertExpectations(s.T())
}

func (s *ReplayWorkflowSuite) TestSuccessfulReplayResolvesFailure() {
	s.dispatcher.result = webhook.Result{Success: true, Status: 200, Attempts: 1}
	s.dispatcher.status = models.WebhookFailureResolved

	s.env.ExecuteWorkflow(ReplayWebhookFailureWorkflow, temporal.ReplayParams{FailureID: "f1", TenantID: "tenant-1"})

	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())

	var result temporal.RedeliveryResult
	s.NoError(s.env.GetWorkflowResult(&result))
	s.True(result.Success)
	s.Equal(models.WebhookFailureResolved, s.failures.failures["f1"].Status)
	s.Equal(1, s.dispatcher.calls)
}

func (s *ReplayWorkflowSuite) TestFailedReplayUpdatesSameRecord() {
	s.dispatcher.result = webhook.Result{Status: 400, Error: "HTTP 400", Attempts: 1}
	s.dispatcher.status = models.WebhookFailureDeadLetter

	s.env.ExecuteWorkflow(ReplayWebhookFailureWorkflow, temporal.ReplayParams{FailureID: "f1", TenantID: "tenant-1"})

	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())

	f := s.failures.failures["f1"]
	s.Equal(models.WebhookFailureDeadLetter, f.Status)
	s.Equal(4, f.RetryCount)
	s.Equal("HTTP 400", f.LastError)
	s.Require().NotNil(f.HTTPStatus)
	s.Equal(400, *f.HTTPStatus)
	s.Len(s.failures.failures, 1)
}

func (s *ReplayWorkflowSuite) TestResolvedFailureIsNotResent() {
	s.failures.failures["f1"].Status = models.WebhookFailureResolved

	s.env.ExecuteWorkflow(ReplayWebhookFailureWorkflow, temporal.ReplayParams{FailureID: "f1"})

	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())
	s.Equal(0, s.dispatcher.calls)
}

func (s *ReplayWorkflowSuite) TestForeignTenantFailureIsNotFound() {
	s.env.ExecuteWorkflow(ReplayWebhookFailureWorkflow, temporal.ReplayParams{FailureID: "f1", TenantID: "tenant-2"})

	s.True(s.env.IsWorkflowCompleted())
	err := s.env.GetWorkflowError()
	s.Require().Error(err)

	var appErr *sdktemporal.ApplicationError
	s.Require().ErrorAs(err, &appErr)
	s.Equal(activities.ErrFailureNotFound, appErr.Type())
	s.Equal(0, s.dispatcher.calls)
}

func TestReplayWorkflowSuite(t *testing.T) {
	suite.Run(t, new(ReplayWorkflowSuite))
}

func TestReplayWorkflowID(t *testing.T) {
	require.Equal(t, "webhook-replay-f1", temporal.ReplayWorkflowID("f1"))
	assert.NotEqual(t, temporal.ReplayWorkflowID("f1"), temporal.ReplayWorkflowID("f2"))
}
