package status

import (
	"context"
	"sync"
	"time"

	"github.com/stanstork/stratum-connect/internal/models"
	"github.com/stanstork/stratum-connect/internal/notification"
	"github.com/stanstork/stratum-connect/internal/repository"
)

// fakeConnections mirrors the conditional semantics of the postgres store.
type fakeConnections struct {
	mu   sync.Mutex
	rows map[string]*models.Connection
}

func newFakeConnections(conns ...models.Connection) *fakeConnections {
	f := &fakeConnections{rows: map[string]*models.Connection{}}
	for i := range conns {
		c := conns[i]
		f.rows[c.TenantID+"/"+c.ID] = &c
	}
	return f
}

func (f *fakeConnections) get(tenantID, id string) models.Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.rows[tenantID+"/"+id]
}

func (f *fakeConnections) setRawStatus(tenantID, id string, s models.ConnectionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[tenantID+"/"+id].Status = s
}

func (f *fakeConnections) Get(_ context.Context, tenantID, id string) (*models.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.rows[tenantID+"/"+id]
	if !ok {
		return nil, nil
	}
	clone := *c
	return &clone, nil
}

func (f *fakeConnections) SetStatus(_ context.Context, tenantID, id string, p repository.SetStatusParams) (*models.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.rows[tenantID+"/"+id]
	if !ok {
		return nil, nil
	}
	if p.RequireCurrentStatus != nil && c.Status != *p.RequireCurrentStatus {
		return nil, nil
	}
	c.Status = p.Status
	if p.LastSyncStatus != nil {
		v := *p.LastSyncStatus
		c.LastSyncStatus = &v
		c.LastSyncError = nil
		if p.LastSyncError != nil {
			e := *p.LastSyncError
			c.LastSyncError = &e
		}
	}
	if p.TouchLastSyncAt {
		now := time.Now()
		c.LastSyncAt = &now
	}
	clone := *c
	return &clone, nil
}

func (f *fakeConnections) SetVerificationResult(_ context.Context, tenantID, id string, p repository.VerificationResultParams) (*models.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.rows[tenantID+"/"+id]
	if !ok {
		return nil, nil
	}
	now := time.Now()
	c.LastVerificationAt = &now
	c.LastVerificationError = nil
	if p.Outcome == models.VerificationFailed {
		msg := "verification failed"
		if p.Error != nil && *p.Error != "" {
			msg = *p.Error
		}
		c.LastVerificationError = &msg
	}
	if len(p.Options) > 0 {
		c.LatestOptions = p.Options
	}
	clone := *c
	return &clone, nil
}

type fakeRuns struct {
	mu   sync.Mutex
	rows map[string]*models.IngestionRun
}

func newFakeRuns(runs ...models.IngestionRun) *fakeRuns {
	f := &fakeRuns{rows: map[string]*models.IngestionRun{}}
	for i := range runs {
		r := runs[i]
		f.rows[r.TenantID+"/"+r.ID] = &r
	}
	return f
}

func (f *fakeRuns) Get(_ context.Context, tenantID, runID string) (*models.IngestionRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[tenantID+"/"+runID]
	if !ok {
		return nil, nil
	}
	clone := *r
	return &clone, nil
}

func (f *fakeRuns) Finish(_ context.Context, tenantID, runID string, status models.IngestionRunStatus, errorMessage *string) (*models.IngestionRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[tenantID+"/"+runID]
	if !ok {
		return nil, nil
	}
	r.Status = status
	r.ErrorMessage = errorMessage
	if r.CompletedAt == nil {
		now := time.Now()
		r.CompletedAt = &now
	}
	clone := *r
	return &clone, nil
}

func (f *fakeRuns) UpdateCounts(_ context.Context, tenantID, runID string, processed, failed *int64) (*models.IngestionRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[tenantID+"/"+runID]
	if !ok {
		return nil, nil
	}
	if processed != nil {
		r.RecordsProcessed = *processed
	}
	if failed != nil {
		r.RecordsFailed = *failed
	}
	clone := *r
	return &clone, nil
}

type sentEvent struct {
	tenantID string
	userID   string
	event    notification.LiveEvent
}

// recordingLive runs submitted tasks inline so tests can observe them.
type recordingLive struct {
	mu     sync.Mutex
	events []sentEvent
	tasks  []string
}

func (l *recordingLive) SendToOrganization(tenantID string, evt notification.LiveEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, sentEvent{tenantID: tenantID, event: evt})
}

func (l *recordingLive) SendToUser(tenantID, userID string, evt notification.LiveEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, sentEvent{tenantID: tenantID, userID: userID, event: evt})
}

func (l *recordingLive) Submit(name string, run func(ctx context.Context) error) {
	l.mu.Lock()
	l.tasks = append(l.tasks, name)
	l.mu.Unlock()
	_ = run(context.Background())
}

func (l *recordingLive) sent() []sentEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sentEvent(nil), l.events...)
}

type recordingAlerts struct {
	syncFailed         []string
	verificationFailed []string
	ingestionFinished  []models.IngestionRunStatus
}

func (a *recordingAlerts) NotifySyncFailed(_ context.Context, conn *models.Connection, reason string) error {
	a.syncFailed = append(a.syncFailed, conn.ID+": "+reason)
	return nil
}

func (a *recordingAlerts) NotifyVerificationFailed(_ context.Context, conn *models.Connection, reason string) error {
	a.verificationFailed = append(a.verificationFailed, conn.ID+": "+reason)
	return nil
}

func (a *recordingAlerts) NotifyIngestionFinished(_ context.Context, run *models.IngestionRun) error {
	a.ingestionFinished = append(a.ingestionFinished, run.Status)
	return nil
}

func strPtr(s string) *string { return &s }

func int64Ptr(v int64) *int64 { return &v }
