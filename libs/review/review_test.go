package review

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	reports   []Report
	listErr   error
	setErr    error
	listCalls int
	updates   map[int64]string
}

func (b *fakeBackend) ListReports(ctx context.Context, session *Session) ([]Report, error) {
	b.listCalls++
	if b.listErr != nil {
		return nil, b.listErr
	}
	return append([]Report(nil), b.reports...), nil
}

func (b *fakeBackend) SetReportStatus(ctx context.Context, session *Session, id int64, status string) error {
	if b.setErr != nil {
		return b.setErr
	}
	if b.updates == nil {
		b.updates = map[int64]string{}
	}
	b.updates[id] = status
	return nil
}

func ptr(v float64) *float64 { return &v }

func sampleReports() []Report {
	base := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	return []Report{
		{ID: 1, Description: "old", Latitude: ptr(18.5), Longitude: ptr(73.8), Status: StatusPending, CreatedAt: base},
		{ID: 2, Description: "new", Latitude: ptr(18.6), Longitude: nil, Status: StatusPending, CreatedAt: base.Add(time.Hour)},
		{ID: 3, Description: "done", Latitude: ptr(18.7), Longitude: ptr(73.9), Status: StatusAccepted, CreatedAt: base.Add(30 * time.Minute)},
	}
}

func validSession() *Session {
	return &Session{Token: "jwt", AccountID: "acc", ExpiresAt: time.Now().Add(time.Hour)}
}

func TestLoadWithoutSessionRequiresLogin(t *testing.T) {
	backend := &fakeBackend{reports: sampleReports()}
	d := NewDashboard(backend, nil, nil)

	err := d.Load(context.Background())
	assert.ErrorIs(t, err, ErrLoginRequired)
	assert.Equal(t, 0, backend.listCalls)
}

func TestExpiredSessionRequiresLogin(t *testing.T) {
	backend := &fakeBackend{reports: sampleReports()}
	d := NewDashboard(backend, &Session{Token: "jwt", ExpiresAt: time.Now().Add(-time.Minute)}, nil)

	assert.ErrorIs(t, d.Load(context.Background()), ErrLoginRequired)
	assert.Equal(t, 0, backend.listCalls)
}

func TestLoadOrdersNewestFirst(t *testing.T) {
	d := NewDashboard(&fakeBackend{reports: sampleReports()}, validSession(), nil)
	require.NoError(t, d.Load(context.Background()))

	items := d.Items()
	require.Len(t, items, 3)
	assert.Equal(t, []int64{2, 3, 1}, []int64{items[0].ID, items[1].ID, items[2].ID})
}

func TestMarkersSkipReportsWithoutCoordinates(t *testing.T) {
	d := NewDashboard(&fakeBackend{reports: sampleReports()}, validSession(), nil)
	require.NoError(t, d.Load(context.Background()))

	markers := d.Markers()
	require.Len(t, markers, 2)
	for _, m := range markers {
		assert.NotEqual(t, int64(2), m.ReportID)
	}
	assert.Len(t, d.Items(), 3)
}

func TestActionable(t *testing.T) {
	assert.True(t, Actionable(Report{Status: StatusPending}))
	assert.False(t, Actionable(Report{Status: StatusAccepted}))
	assert.False(t, Actionable(Report{Status: StatusDeclined}))
}

func TestSetStatusUpdatesAfterConfirmation(t *testing.T) {
	backend := &fakeBackend{reports: sampleReports()}
	d := NewDashboard(backend, validSession(), nil)
	require.NoError(t, d.Load(context.Background()))

	require.NoError(t, d.SetStatus(context.Background(), 1, StatusAccepted))
	assert.Equal(t, StatusAccepted, backend.updates[1])

	for _, r := range d.Items() {
		if r.ID == 1 {
			assert.Equal(t, StatusAccepted, r.Status)
			assert.False(t, Actionable(r))
		}
	}
}

func TestSetStatusFailureLeavesListUnchanged(t *testing.T) {
	backend := &fakeBackend{reports: sampleReports(), setErr: errors.New("network down")}
	d := NewDashboard(backend, validSession(), nil)
	require.NoError(t, d.Load(context.Background()))

	err := d.SetStatus(context.Background(), 1, StatusDeclined)
	require.Error(t, err)
	for _, r := range d.Items() {
		if r.ID == 1 {
			assert.Equal(t, StatusPending, r.Status)
		}
	}
}

func TestSetStatusRejectsDecidedReports(t *testing.T) {
	backend := &fakeBackend{reports: sampleReports()}
	d := NewDashboard(backend, validSession(), nil)
	require.NoError(t, d.Load(context.Background()))

	assert.ErrorIs(t, d.SetStatus(context.Background(), 3, StatusDeclined), ErrNotActionable)
	assert.ErrorIs(t, d.SetStatus(context.Background(), 1, StatusPending), ErrInvalidStatus)
	assert.ErrorIs(t, d.SetStatus(context.Background(), 99, StatusAccepted), ErrReportNotFound)
	assert.Empty(t, backend.updates)
}

func TestLogoutDropsList(t *testing.T) {
	d := NewDashboard(&fakeBackend{reports: sampleReports()}, validSession(), nil)
	require.NoError(t, d.Load(context.Background()))

	d.SetSession(nil)
	assert.Empty(t, d.Items())
	assert.ErrorIs(t, d.SetStatus(context.Background(), 1, StatusAccepted), ErrLoginRequired)
}

func TestLoadFailureKeepsPreviousList(t *testing.T) {
	backend := &fakeBackend{reports: sampleReports()}
	d := NewDashboard(backend, validSession(), nil)
	require.NoError(t, d.Load(context.Background()))

	backend.listErr = errors.New("timeout")
	require.Error(t, d.Load(context.Background()))
	assert.Len(t, d.Items(), 3)
}

func statusOf(d *Dashboard, id int64) string {
	for _, r := range d.Items() {
		if r.ID == id {
			return r.Status
		}
	}
	return ""
}

func TestSetStatusConflictReloadsList(t *testing.T) {
	backend := &fakeBackend{reports: sampleReports()}
	d := NewDashboard(backend, validSession(), nil)
	require.NoError(t, d.Load(context.Background()))

	// another NGO declined report 1 in the meantime
	backend.reports[0].Status = StatusDeclined
	backend.setErr = fmt.Errorf("api error 409: %w", ErrNotActionable)

	err := d.SetStatus(context.Background(), 1, StatusAccepted)
	assert.ErrorIs(t, err, ErrNotActionable)
	assert.Equal(t, 2, backend.listCalls)
	assert.Equal(t, StatusDeclined, statusOf(d, 1))
	assert.False(t, Actionable(Report{Status: statusOf(d, 1)}))
}

func TestSetStatusConflictMarksStaleWhenReloadFails(t *testing.T) {
	backend := &fakeBackend{reports: sampleReports()}
	d := NewDashboard(backend, validSession(), nil)
	require.NoError(t, d.Load(context.Background()))

	backend.setErr = ErrNotActionable
	backend.listErr = errors.New("network down")

	err := d.SetStatus(context.Background(), 1, StatusAccepted)
	assert.ErrorIs(t, err, ErrNotActionable)
	assert.Equal(t, StatusStale, statusOf(d, 1))
	assert.Equal(t, StatusPending, statusOf(d, 2))
}
