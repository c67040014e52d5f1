package backup

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/lupppig/dbcycle/internal/manifest"
	"github.com/lupppig/dbcycle/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	args := m.Called(ctx, name, r)
	return args.String(0), args.Error(1)
}

func (m *MockStorage) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	args := m.Called(ctx, name)
	if rc, ok := args.Get(0).(io.ReadCloser); ok {
		return rc, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStorage) Exists(ctx context.Context, name string) (bool, error) {
	return true, nil
}

func (m *MockStorage) Delete(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *MockStorage) List(ctx context.Context, prefix string) ([]storage.Object, error) {
	args := m.Called(ctx, prefix)
	return args.Get(0).([]storage.Object), args.Error(1)
}

func (m *MockStorage) Location() string {
	return "mock://"
}

func (m *MockStorage) Close() error {
	args := m.Called()
	return args.Error(0)
}

// withBackups registers an artifact and its manifest per entry.
func withBackups(t *testing.T, ms *MockStorage, ctx context.Context, backups map[string]*manifest.Manifest) {
	t.Helper()
	var objects []storage.Object
	for name, man := range backups {
		data, err := man.Serialize()
		require.NoError(t, err)
		objects = append(objects,
			storage.Object{Name: name, Size: 10, ModTime: man.CreatedAt},
			storage.Object{Name: name + manifest.Ext, Size: int64(len(data)), ModTime: man.CreatedAt},
		)
		ms.On("Open", ctx, name+manifest.Ext).Return(io.NopCloser(bytes.NewReader(data)), nil)
	}
	ms.On("List", ctx, "").Return(objects, nil)
}

func TestPruneManager_Prune(t *testing.T) {
	ctx := context.Background()
	ms := new(MockStorage)
	now := time.Now()

	withBackups(t, ms, ctx, map[string]*manifest.Manifest{
		"db1_1.sql.gz": {ID: "m1", Engine: "postgres", DBName: "db1", CreatedAt: now.Add(-24 * time.Hour)},
		"db1_2.sql.gz": {ID: "m2", Engine: "postgres", DBName: "db1", CreatedAt: now.Add(-12 * time.Hour)},
		"db1_3.sql.gz": {ID: "m3", Engine: "postgres", DBName: "db1", CreatedAt: now},
		"db2_1.sql.gz": {ID: "m4", Engine: "postgres", DBName: "db2", CreatedAt: now.Add(-48 * time.Hour)},
	})

	// Keep 2: the oldest db1 backup goes, db2 is untouched.
	ms.On("Delete", ctx, "db1_1.sql.gz").Return(nil)
	ms.On("Delete", ctx, "db1_1.sql.gz.manifest").Return(nil)

	pm := NewPruneManager(ms, PruneOptions{
		Keep:   2,
		DBType: "postgres",
		DBName: "db1",
	})

	deleted, err := pm.Prune(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []string{"db1_1.sql.gz"}, deleted)

	ms.AssertExpectations(t)
}

func TestPruneManager_Retention(t *testing.T) {
	ctx := context.Background()
	ms := new(MockStorage)

	withBackups(t, ms, ctx, map[string]*manifest.Manifest{
		"old.sql": {ID: "m1", Engine: "postgres", DBName: "db1", CreatedAt: time.Now().Add(-48 * time.Hour)},
		"new.sql": {ID: "m2", Engine: "postgres", DBName: "db1", CreatedAt: time.Now().Add(-1 * time.Hour)},
	})

	// Retention is 1 day, so old.sql should be deleted
	ms.On("Delete", ctx, "old.sql").Return(nil)
	ms.On("Delete", ctx, "old.sql.manifest").Return(nil)

	pm := NewPruneManager(ms, PruneOptions{
		Retention: 24 * time.Hour,
		DBType:    "postgres",
		DBName:    "db1",
	})

	deleted, err := pm.Prune(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []string{"old.sql"}, deleted)

	ms.AssertExpectations(t)
}

func TestPruneManager_KeepProtectsOldBackups(t *testing.T) {
	ctx := context.Background()
	ms := new(MockStorage)

	withBackups(t, ms, ctx, map[string]*manifest.Manifest{
		"a.sql": {ID: "m1", Engine: "mysql", DBName: "shop", CreatedAt: time.Now().Add(-72 * time.Hour)},
		"b.sql": {ID: "m2", Engine: "mysql", DBName: "shop", CreatedAt: time.Now().Add(-96 * time.Hour)},
	})

	pm := NewPruneManager(ms, PruneOptions{
		Retention: 24 * time.Hour,
		Keep:      2,
		DBType:    "mysql",
		DBName:    "shop",
	})

	deleted, err := pm.Prune(ctx)
	assert.NoError(t, err)
	assert.Empty(t, deleted)
	ms.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestPruneManager_GFS(t *testing.T) {
	ctx := context.Background()
	ms := new(MockStorage)
	day := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	withBackups(t, ms, ctx, map[string]*manifest.Manifest{
		"d0_morning.sql": {ID: "1", Engine: "postgres", DBName: "db1", CreatedAt: day.Add(-2 * time.Hour)},
		"d0.sql":         {ID: "2", Engine: "postgres", DBName: "db1", CreatedAt: day},
		"d1.sql":         {ID: "3", Engine: "postgres", DBName: "db1", CreatedAt: day.Add(-24 * time.Hour)},
		"d2.sql":         {ID: "4", Engine: "postgres", DBName: "db1", CreatedAt: day.Add(-48 * time.Hour)},
	})

	// Two daily slots: the newest backup of today and of yesterday survive.
	ms.On("Delete", ctx, "d0_morning.sql").Return(nil)
	ms.On("Delete", ctx, "d0_morning.sql.manifest").Return(nil)
	ms.On("Delete", ctx, "d2.sql").Return(nil)
	ms.On("Delete", ctx, "d2.sql.manifest").Return(nil)

	pm := NewPruneManager(ms, PruneOptions{
		RetentionPolicy: RetentionPolicy{KeepDaily: 2},
		DBType:          "postgres",
		DBName:          "db1",
	})

	deleted, err := pm.Prune(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"d0_morning.sql", "d2.sql"}, deleted)
	ms.AssertExpectations(t)
}

func TestPruneManager_DryRun(t *testing.T) {
	ctx := context.Background()
	ms := new(MockStorage)

	withBackups(t, ms, ctx, map[string]*manifest.Manifest{
		"old.sql": {ID: "m1", Engine: "postgres", DBName: "db1", CreatedAt: time.Now().Add(-48 * time.Hour)},
	})

	pm := NewPruneManager(ms, PruneOptions{Retention: time.Hour, DBType: "postgres", DryRun: true})
	deleted, err := pm.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"old.sql"}, deleted)
	ms.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestPruneManager_NothingConfigured(t *testing.T) {
	ms := new(MockStorage)
	deleted, err := NewPruneManager(ms, PruneOptions{}).Prune(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, deleted)
	ms.AssertNotCalled(t, "List", mock.Anything, mock.Anything)
}
