package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylift/skylift/internal/core/domain"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func testRecord(userID, repoURL string) *domain.DeploymentRecord {
	return domain.NewDeploymentRecord(userID, domain.DeploymentRequest{
		RepoURL: repoURL,
		Region:  "us-east-1",
	}, domain.TargetVM)
}

func createTestRecord(t *testing.T, store Store) *domain.DeploymentRecord {
	t.Helper()
	record := testRecord("user-1", "https://github.com/acme/shop.git")
	require.NoError(t, store.UpsertDeployment(context.Background(), record))
	return record
}

// =============================================================================
// Deployment Tests
// =============================================================================

func TestUpsertAndGetDeployment(t *testing.T) {
	store := setupTestStore(t)
	record := createTestRecord(t, store)

	got, err := store.GetDeployment(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.ID, got.ID)
	assert.Equal(t, "shop", got.RepoName)
	assert.Equal(t, domain.TargetVM, got.Target)
	assert.Equal(t, domain.StatusPending, got.Status)
}

func TestUpsertUpdatesInPlace(t *testing.T) {
	store := setupTestStore(t)
	record := createTestRecord(t, store)

	record.Refs.InstanceID = "i-123"
	record.Refs.PublicIP = "203.0.113.7"
	record.MarkDeployed("http://203.0.113.7:8080")
	require.NoError(t, store.UpsertDeployment(context.Background(), record))

	got, err := store.GetDeployment(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Revision)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Equal(t, "i-123", got.Refs.InstanceID)
	assert.NotNil(t, got.FirstDeployedAt)
	assert.NotNil(t, got.LastDeployedAt)
}

func TestGetDeploymentNotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetDeployment(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestGetDeploymentByRepo(t *testing.T) {
	store := setupTestStore(t)
	record := createTestRecord(t, store)

	got, err := store.GetDeploymentByRepo(context.Background(), "user-1", "https://github.com/acme/shop.git")
	require.NoError(t, err)
	assert.Equal(t, record.ID, got.ID)

	_, err = store.GetDeploymentByRepo(context.Background(), "user-2", "https://github.com/acme/shop.git")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListForUser(t *testing.T) {
	store := setupTestStore(t)
	createTestRecord(t, store)
	other := testRecord("user-1", "https://github.com/acme/blog.git")
	require.NoError(t, store.UpsertDeployment(context.Background(), other))
	stranger := testRecord("user-2", "https://github.com/acme/shop.git")
	require.NoError(t, store.UpsertDeployment(context.Background(), stranger))

	records, err := store.ListForUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestDeleteDeployment(t *testing.T) {
	store := setupTestStore(t)
	record := createTestRecord(t, store)

	require.NoError(t, store.DeleteDeployment(context.Background(), record.ID))

	_, err := store.GetDeployment(context.Background(), record.ID)
	assert.True(t, errors.Is(err, ErrNotFound))

	err = store.DeleteDeployment(context.Background(), record.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

// =============================================================================
// History Tests
// =============================================================================

func TestAppendAndGetHistory(t *testing.T) {
	store := setupTestStore(t)
	record := createTestRecord(t, store)
	ctx := context.Background()

	steps := []domain.DeployStep{{ID: "launch", Label: "Launch instance"}}
	require.NoError(t, store.AppendHistory(ctx, record.ID, domain.StepsEvent(steps)))
	require.NoError(t, store.AppendHistory(ctx, record.ID, domain.LogEvent("launch", "candidate instance i-1 launched")))
	require.NoError(t, store.AppendHistory(ctx, record.ID, domain.ResultEvent(true, "http://example.com", record.Refs, "")))

	events, err := store.GetHistory(ctx, record.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, domain.EventSteps, events[0].Kind)
	assert.Equal(t, domain.EventLog, events[1].Kind)
	assert.Equal(t, "candidate instance i-1 launched", events[1].Line)
	assert.Equal(t, domain.EventResult, events[2].Kind)
	require.NotNil(t, events[2].Success)
	assert.True(t, *events[2].Success)
}

func TestHistoryDeletedWithDeployment(t *testing.T) {
	store := setupTestStore(t)
	record := createTestRecord(t, store)
	ctx := context.Background()

	require.NoError(t, store.AppendHistory(ctx, record.ID, domain.LogEvent("launch", "line")))
	require.NoError(t, store.DeleteDeployment(ctx, record.ID))

	events, err := store.GetHistory(ctx, record.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAppendHistoryUnknownDeployment(t *testing.T) {
	store := setupTestStore(t)

	err := store.AppendHistory(context.Background(), "missing", domain.LogEvent("launch", "line"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}
