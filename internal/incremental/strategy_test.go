package incremental

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forcevault/forcevault/internal/history"
	"github.com/forcevault/forcevault/internal/models"
	"github.com/forcevault/forcevault/internal/sink"
)

type fakeSink struct {
	kind      models.TargetKind
	recreate  bool
	watermark *time.Time
}

func (f *fakeSink) Connect(ctx context.Context) error    { return nil }
func (f *fakeSink) Disconnect() error                    { return nil }
func (f *fakeSink) Kind() models.TargetKind              { return f.kind }
func (f *fakeSink) RecreateTables() bool                 { return f.recreate }
func (f *fakeSink) SanitizeTableName(object string) string { return object }
func (f *fakeSink) WriteData(ctx context.Context, object string, rows io.Reader, opts sink.WriteOptions) (int64, error) {
	return 0, nil
}
func (f *fakeSink) LastBackupTimestamp(ctx context.Context, object string) (*time.Time, error) {
	return f.watermark, nil
}

type fakeHistory struct {
	watermark *time.Time
}

func (f *fakeHistory) StartRun(ctx context.Context, run *models.BackupRun) error  { return nil }
func (f *fakeHistory) FinishRun(ctx context.Context, run *models.BackupRun) error { return nil }
func (f *fakeHistory) LastWatermark(ctx context.Context, username, object string) (*time.Time, error) {
	return f.watermark, nil
}
func (f *fakeHistory) ListRuns(ctx context.Context, limit int) ([]models.BackupRun, error) {
	return nil, nil
}
func (f *fakeHistory) Close() error { return nil }

var _ history.Store = (*fakeHistory)(nil)

func TestSupportsLastModifiedDate(t *testing.T) {
	tests := []struct {
		object string
		want   bool
	}{
		{"Account", true},
		{"Contact", true},
		{"AccountHistory", false},
		{"My_Object__History", false},
		{"Threshold__mdt", false},
		{"AccountShare", false},
		{"My_Object__Share", false},
		{"AccountFeed", false},
		{"AccountChangeEvent", false},
		{"My_Object__ChangeEvent", false},
	}
	for _, tt := range tests {
		t.Run(tt.object, func(t *testing.T) {
			assert.Equal(t, tt.want, SupportsLastModifiedDate(tt.object))
		})
	}
}

func TestDecideRecreateForcesFull(t *testing.T) {
	ts := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	s := NewStrategy(&fakeSink{kind: models.TargetKindDB, recreate: true, watermark: &ts}, nil, "user", false)

	d, err := s.Decide(context.Background(), "Account", "")
	require.NoError(t, err)
	assert.Equal(t, models.RunKindFull, d.Kind)
	assert.Empty(t, d.Where)
}

func TestDecideNoTimestampForcesFull(t *testing.T) {
	ts := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	s := NewStrategy(&fakeSink{kind: models.TargetKindDB, watermark: &ts}, nil, "user", false)

	d, err := s.Decide(context.Background(), "AccountHistory", "")
	require.NoError(t, err)
	assert.Equal(t, models.RunKindFull, d.Kind)
}

func TestDecideTableSinkDelta(t *testing.T) {
	ts := time.Date(2026, 8, 1, 12, 30, 45, 0, time.UTC)
	s := NewStrategy(&fakeSink{kind: models.TargetKindDB, watermark: &ts}, nil, "user", false)

	d, err := s.Decide(context.Background(), "Account", "")
	require.NoError(t, err)
	assert.Equal(t, models.RunKindIncremental, d.Kind)
	assert.Equal(t, "LastModifiedDate > 2026-08-01T12:30:45Z", d.Where)
	require.NotNil(t, d.Since)
	assert.True(t, d.Since.Equal(ts))
}

func TestDecideTableSinkFirstRunIsFull(t *testing.T) {
	s := NewStrategy(&fakeSink{kind: models.TargetKindDB}, nil, "user", false)

	d, err := s.Decide(context.Background(), "Account", "")
	require.NoError(t, err)
	assert.Equal(t, models.RunKindFull, d.Kind)
}

func TestDecideFileSinkUsesHistory(t *testing.T) {
	ts := time.Date(2026, 7, 15, 8, 0, 0, 0, time.UTC)
	hist := &fakeHistory{watermark: &ts}
	s := NewStrategy(&fakeSink{kind: models.TargetKindFile}, hist, "user", true)

	d, err := s.Decide(context.Background(), "Account", "")
	require.NoError(t, err)
	assert.Equal(t, models.RunKindIncremental, d.Kind)
	assert.Equal(t, "LastModifiedDate > 2026-07-15T08:00:00Z", d.Where)
}

func TestDecideFileSinkWithoutIncrementalIsFull(t *testing.T) {
	ts := time.Date(2026, 7, 15, 8, 0, 0, 0, time.UTC)
	hist := &fakeHistory{watermark: &ts}
	s := NewStrategy(&fakeSink{kind: models.TargetKindFile}, hist, "user", false)

	d, err := s.Decide(context.Background(), "Account", "")
	require.NoError(t, err)
	assert.Equal(t, models.RunKindFull, d.Kind)
}

func TestDecideMergesCustomWhere(t *testing.T) {
	ts := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	s := NewStrategy(&fakeSink{kind: models.TargetKindDB, watermark: &ts}, nil, "user", false)

	d, err := s.Decide(context.Background(), "Account", "Industry = 'Tech'")
	require.NoError(t, err)
	assert.Equal(t, "(LastModifiedDate > 2026-08-01T00:00:00Z) AND (Industry = 'Tech')", d.Where)
}

func TestMergeWhere(t *testing.T) {
	tests := []struct {
		name        string
		incremental string
		custom      string
		want        string
	}{
		{"both empty", "", "", ""},
		{"incremental only", "LastModifiedDate > X", "", "LastModifiedDate > X"},
		{"custom only", "", "Name != ''", "Name != ''"},
		{"both", "A > 1", "B = 2", "(A > 1) AND (B = 2)"},
		{"leading WHERE stripped", "", "WHERE Name != ''", "Name != ''"},
		{"lowercase where stripped", "A > 1", "where B = 2", "(A > 1) AND (B = 2)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MergeWhere(tt.incremental, tt.custom))
		})
	}
}
