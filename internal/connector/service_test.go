package connector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-connect/internal/config"
	"github.com/stanstork/stratum-connect/internal/models"
	"github.com/stanstork/stratum-connect/internal/notification"
	"github.com/stanstork/stratum-connect/internal/repository"
	"github.com/stanstork/stratum-connect/internal/secrets"
	"github.com/stanstork/stratum-connect/internal/status"
	"github.com/stanstork/stratum-connect/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tenant = "tenant-1"

var actor = models.Actor{TenantID: tenant, UserID: "user-1", Email: "ops@example.com"}

type fakeConnections struct {
	mu    sync.Mutex
	conns map[string]*models.Connection
}

func newFakeConnections(conns ...models.Connection) *fakeConnections {
	f := &fakeConnections{conns: map[string]*models.Connection{}}
	for i := range conns {
		c := conns[i]
		f.conns[c.TenantID+"/"+c.ID] = &c
	}
	return f
}

func (f *fakeConnections) List(_ context.Context, tenantID string) ([]*models.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Connection
	for _, c := range f.conns {
		if c.TenantID == tenantID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeConnections) Get(_ context.Context, tenantID, id string) (*models.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conns[tenantID+"/"+id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeConnections) SetStatus(_ context.Context, tenantID, id string, p repository.SetStatusParams) (*models.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conns[tenantID+"/"+id]
	if !ok {
		return nil, nil
	}
	if p.RequireCurrentStatus != nil && c.Status != *p.RequireCurrentStatus {
		return nil, nil
	}
	c.Status = p.Status
	if p.LastSyncStatus != nil {
		c.LastSyncStatus = p.LastSyncStatus
	}
	if p.LastSyncError != nil {
		c.LastSyncError = p.LastSyncError
	}
	if p.TouchLastSyncAt {
		now := time.Now()
		c.LastSyncAt = &now
	}
	cp := *c
	return &cp, nil
}

func (f *fakeConnections) Transition(_ context.Context, tenantID, id string, current, next models.ConnectionStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conns[tenantID+"/"+id]
	if !ok || c.Status != current {
		return false, nil
	}
	c.Status = next
	return true, nil
}

func (f *fakeConnections) status(id string) models.ConnectionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[tenant+"/"+id].Status
}

type fakeRuns struct {
	mu   sync.Mutex
	runs map[string]*models.IngestionRun
	seq  int
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{runs: map[string]*models.IngestionRun{}}
}

func (f *fakeRuns) Create(_ context.Context, tenantID, connectionID string, userID *string) (*models.IngestionRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	run := &models.IngestionRun{
		ID:           "run-" + string(rune('0'+f.seq)),
		TenantID:     tenantID,
		ConnectionID: connectionID,
		UserID:       userID,
		Status:       models.IngestionRunPending,
	}
	f.runs[run.ID] = run
	cp := *run
	return &cp, nil
}

func (f *fakeRuns) Get(_ context.Context, tenantID, runID string) (*models.IngestionRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok || run.TenantID != tenantID {
		return nil, nil
	}
	cp := *run
	return &cp, nil
}

func (f *fakeRuns) ListByConnection(_ context.Context, tenantID, connectionID string, limit int) ([]models.IngestionRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.IngestionRun
	for i := f.seq; i >= 1 && len(out) < limit; i-- {
		run, ok := f.runs["run-"+string(rune('0'+i))]
		if ok && run.TenantID == tenantID && run.ConnectionID == connectionID {
			out = append(out, *run)
		}
	}
	return out, nil
}

func (f *fakeRuns) MarkRunning(_ context.Context, tenantID, runID string) (*models.IngestionRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok || run.Status != models.IngestionRunPending {
		return nil, nil
	}
	run.Status = models.IngestionRunRunning
	cp := *run
	return &cp, nil
}

func (f *fakeRuns) Finish(_ context.Context, tenantID, runID string, st models.IngestionRunStatus, errorMessage *string) (*models.IngestionRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return nil, nil
	}
	run.Status = st
	run.ErrorMessage = errorMessage
	cp := *run
	return &cp, nil
}

type fakeSender struct {
	mu      sync.Mutex
	result  webhook.Result
	actions []webhook.Action
	verify  []webhook.VerifyCredentialsPayload
	tickets []webhook.SyncTicketsPayload
}

func (s *fakeSender) record(a webhook.Action) webhook.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, a)
	return s.result
}

func (s *fakeSender) VerifyCredentials(_ context.Context, evt webhook.Event[webhook.VerifyCredentialsPayload]) webhook.Result {
	s.mu.Lock()
	s.verify = append(s.verify, evt.Payload)
	s.mu.Unlock()
	return s.record(evt.Action)
}

func (s *fakeSender) TriggerSync(_ context.Context, evt webhook.Event[webhook.TriggerSyncPayload]) webhook.Result {
	return s.record(evt.Action)
}

func (s *fakeSender) CancelSync(_ context.Context, evt webhook.Event[webhook.CancelSyncPayload]) webhook.Result {
	return s.record(evt.Action)
}

func (s *fakeSender) SyncTickets(_ context.Context, evt webhook.Event[webhook.SyncTicketsPayload]) webhook.Result {
	s.mu.Lock()
	s.tickets = append(s.tickets, evt.Payload)
	s.mu.Unlock()
	return s.record(evt.Action)
}

type recordingLive struct {
	mu     sync.Mutex
	events []notification.LiveEvent
}

func (l *recordingLive) SendToOrganization(_ string, evt notification.LiveEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func idleConnection(id string) models.Connection {
	return models.Connection{
		ID:       id,
		TenantID: tenant,
		Type:     models.ConnectionTypeZendesk,
		Status:   models.ConnectionStatusIdle,
		Enabled:  true,
		Settings: json.RawMessage(`{"subdomain":"acme"}`),
	}
}

func testCipher(t *testing.T) *secrets.Cipher {
	t.Helper()
	c, err := secrets.NewCipher(base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32))))
	require.NoError(t, err)
	return c
}

func newTestService(t *testing.T, conns *fakeConnections, runs *fakeRuns, sender Sender) (*Service, *recordingLive) {
	t.Helper()
	live := &recordingLive{}
	return NewService(conns, runs, testCipher(t), sender, live, zerolog.Nop()), live
}

func TestSyncMovesConnectionToSyncing(t *testing.T) {
	conns := newFakeConnections(idleConnection("c1"))
	sender := &fakeSender{result: webhook.Result{Success: true, Attempts: 1}}
	svc, _ := newTestService(t, conns, newFakeRuns(), sender)

	conn, err := svc.Sync(context.Background(), actor, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionStatusSyncing, conn.Status)
	assert.Equal(t, models.ConnectionStatusSyncing, conns.status("c1"))
	assert.Equal(t, []webhook.Action{webhook.ActionTriggerSync}, sender.actions)
}

func TestSyncRejectsConcurrentSync(t *testing.T) {
	c := idleConnection("c1")
	c.Status = models.ConnectionStatusSyncing
	conns := newFakeConnections(c)
	sender := &fakeSender{result: webhook.Result{Success: true}}
	svc, _ := newTestService(t, conns, newFakeRuns(), sender)

	_, err := svc.Sync(context.Background(), actor, "c1")
	assert.ErrorIs(t, err, ErrSyncInProgress)
	assert.Empty(t, sender.actions)
}

func TestSyncRejectsDisabledConnection(t *testing.T) {
	c := idleConnection("c1")
	c.Enabled = false
	svc, _ := newTestService(t, newFakeConnections(c), newFakeRuns(), &fakeSender{})

	_, err := svc.Sync(context.Background(), actor, "c1")
	assert.ErrorIs(t, err, ErrConnectionDisabled)
}

func TestSyncDispatchFailureRevertsToIdle(t *testing.T) {
	conns := newFakeConnections(idleConnection("c1"))
	sender := &fakeSender{result: webhook.Result{Status: 503, Error: "HTTP 503", Attempts: 3}}
	svc, live := newTestService(t, conns, newFakeRuns(), sender)

	_, err := svc.Sync(context.Background(), actor, "c1")
	var dispatchErr *DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, webhook.ActionTriggerSync, dispatchErr.Action)

	conn, _ := conns.Get(context.Background(), tenant, "c1")
	assert.Equal(t, models.ConnectionStatusIdle, conn.Status)
	require.NotNil(t, conn.LastSyncStatus)
	assert.Equal(t, models.SyncResultFailed, *conn.LastSyncStatus)
	require.Len(t, live.events, 1)
	assert.Equal(t, notification.EventSyncStatus, live.events[0].Type)
}

func TestSyncUnknownConnection(t *testing.T) {
	svc, _ := newTestService(t, newFakeConnections(), newFakeRuns(), &fakeSender{})

	_, err := svc.Sync(context.Background(), actor, "missing")
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestCancelIsSynchronousAndEmits(t *testing.T) {
	c := idleConnection("c1")
	c.Status = models.ConnectionStatusSyncing
	conns := newFakeConnections(c)
	sender := &fakeSender{result: webhook.Result{Success: true}}
	svc, live := newTestService(t, conns, newFakeRuns(), sender)

	conn, err := svc.Cancel(context.Background(), actor, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionStatusCancelled, conn.Status)
	require.NotNil(t, conn.LastSyncError)
	assert.Equal(t, "cancelled by user", *conn.LastSyncError)

	require.Len(t, live.events, 1)
	evt, ok := live.events[0].Payload.(status.SyncStatusEvent)
	require.True(t, ok)
	assert.Equal(t, status.SyncCancelled, evt.Status)
	assert.Equal(t, []webhook.Action{webhook.ActionCancelSync}, sender.actions)
}

func TestCancelWithoutSync(t *testing.T) {
	svc, live := newTestService(t, newFakeConnections(idleConnection("c1")), newFakeRuns(), &fakeSender{})

	_, err := svc.Cancel(context.Background(), actor, "c1")
	assert.ErrorIs(t, err, ErrNoSyncInProgress)
	assert.Empty(t, live.events)

	_, err = svc.Cancel(context.Background(), actor, "missing")
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestCancelSucceedsWhenEventUndelivered(t *testing.T) {
	c := idleConnection("c1")
	c.Status = models.ConnectionStatusSyncing
	conns := newFakeConnections(c)
	svc, _ := newTestService(t, conns, newFakeRuns(), &fakeSender{result: webhook.Result{Error: "HTTP 502"}})

	_, err := svc.Cancel(context.Background(), actor, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionStatusCancelled, conns.status("c1"))
}

func TestVerifySendsDecryptedCredentials(t *testing.T) {
	cipher := testCipher(t)
	sealed, err := cipher.Encrypt([]byte(`{"api_token":"secret"}`))
	require.NoError(t, err)

	c := idleConnection("c1")
	c.Credentials = sealed
	conns := newFakeConnections(c)
	sender := &fakeSender{result: webhook.Result{Success: true}}
	svc := NewService(conns, newFakeRuns(), cipher, sender, &recordingLive{}, zerolog.Nop())

	require.NoError(t, svc.Verify(context.Background(), actor, "c1"))
	require.Len(t, sender.verify, 1)
	assert.JSONEq(t, `{"api_token":"secret"}`, string(sender.verify[0].Credentials))
	assert.Equal(t, models.ConnectionStatusIdle, conns.status("c1"))
}

func TestVerifyDispatchFailure(t *testing.T) {
	svc, _ := newTestService(t, newFakeConnections(idleConnection("c1")), newFakeRuns(), &fakeSender{result: webhook.Result{Status: 400, Error: "HTTP 400"}})

	err := svc.Verify(context.Background(), actor, "c1")
	var dispatchErr *DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, 400, dispatchErr.Result.Status)
}

func TestSyncTicketsCreatesRunningRun(t *testing.T) {
	runs := newFakeRuns()
	sender := &fakeSender{result: webhook.Result{Success: true}}
	svc, _ := newTestService(t, newFakeConnections(idleConnection("c1")), runs, sender)

	run, err := svc.SyncTickets(context.Background(), actor, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.IngestionRunRunning, run.Status)
	require.Len(t, sender.tickets, 1)
	assert.Equal(t, run.ID, sender.tickets[0].IngestionRunID)
	require.NotNil(t, run.UserID)
	assert.Equal(t, "user-1", *run.UserID)
}

func TestSyncTicketsDispatchFailureFailsRun(t *testing.T) {
	runs := newFakeRuns()
	svc, _ := newTestService(t, newFakeConnections(idleConnection("c1")), runs, &fakeSender{result: webhook.Result{Error: "HTTP 500"}})

	_, err := svc.SyncTickets(context.Background(), actor, "c1")
	require.Error(t, err)

	stored, _ := runs.Get(context.Background(), tenant, "run-1")
	require.NotNil(t, stored)
	assert.Equal(t, models.IngestionRunFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
}

func TestDispatcherSenderPostsFlattenedEvent(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	d := webhook.NewDispatcher(config.WebhookConfig{URL: srv.URL, RetryAttempts: 1}, nil, zerolog.Nop())
	svc, _ := newTestService(t, newFakeConnections(idleConnection("c1")), newFakeRuns(), DispatcherSender{Dispatcher: d})

	_, err := svc.Sync(context.Background(), actor, "c1")
	require.NoError(t, err)
	assert.Equal(t, "trigger_sync", got["action"])
	assert.Equal(t, "c1", got["connection_id"])
	assert.Equal(t, "zendesk", got["connection_type"])
	assert.Equal(t, tenant, got["tenant_id"])
}

func TestUnsupportedConnectionTypeIsNeverDispatched(t *testing.T) {
	c := idleConnection("c1")
	c.Type = models.ConnectionType("dropbox")
	conns := newFakeConnections(c)
	sender := &fakeSender{result: webhook.Result{Success: true}}
	svc, live := newTestService(t, conns, newFakeRuns(), sender)

	_, err := svc.Sync(context.Background(), actor, "c1")
	assert.ErrorIs(t, err, ErrUnsupportedType)
	assert.ErrorIs(t, svc.Verify(context.Background(), actor, "c1"), ErrUnsupportedType)
	_, err = svc.SyncTickets(context.Background(), actor, "c1")
	assert.ErrorIs(t, err, ErrUnsupportedType)

	assert.Empty(t, sender.actions)
	assert.Empty(t, live.events)
	assert.Equal(t, models.ConnectionStatusIdle, conns.status("c1"))
}

func TestListRunsReturnsNewestFirst(t *testing.T) {
	runs := newFakeRuns()
	sender := &fakeSender{result: webhook.Result{Success: true}}
	svc, _ := newTestService(t, newFakeConnections(idleConnection("c1")), runs, sender)

	first, err := svc.SyncTickets(context.Background(), actor, "c1")
	require.NoError(t, err)
	second, err := svc.SyncTickets(context.Background(), actor, "c1")
	require.NoError(t, err)

	listed, err := svc.ListRuns(context.Background(), actor, "c1", 10)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, second.ID, listed[0].ID)
	assert.Equal(t, first.ID, listed[1].ID)

	_, err = svc.ListRuns(context.Background(), actor, "missing", 10)
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}
