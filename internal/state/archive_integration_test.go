//go:build integration
// +build integration

package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/internal/state/testutil"
)

func TestS3ArchiveAgainstLocalStack(t *testing.T) {
	ls := testutil.SetupLocalStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	archive, err := NewS3Archive(ctx, S3ArchiveConfig{
		Bucket:          "rollout-archive-test",
		Region:          "us-east-1",
		Prefix:          "executions/",
		Endpoint:        ls.Endpoint,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	require.NoError(t, err)
	require.NoError(t, archive.Ping(ctx))

	completed := time.Now().UTC().Truncate(time.Millisecond)
	exec := &interfaces.DeploymentExecution{
		ID:          "exec-archive-1",
		Revision:    7,
		PlanID:      "checkout",
		PlanName:    "Checkout",
		Environment: "prod",
		Status:      interfaces.StatusRolledBack,
		Phases:      []interfaces.ExecutionPhase{},
		Rollback:    &interfaces.RollbackResult{ExecutionID: "exec-archive-1", Success: true, Reason: "trigger fired"},
		CreatedAt:   completed.Add(-time.Minute),
		CompletedAt: &completed,
	}
	require.NoError(t, archive.SaveExecution(ctx, exec))

	loaded, err := archive.LoadExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusRolledBack, loaded.Status)
	assert.Equal(t, int64(7), loaded.Revision)
	require.NotNil(t, loaded.Rollback)
	assert.Equal(t, "trigger fired", loaded.Rollback.Reason)

	ids, err := archive.ListArchived(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, exec.ID)

	// a second archive over the same bucket finds it already created
	_, err = NewS3Archive(ctx, S3ArchiveConfig{
		Bucket: "rollout-archive-test", Region: "us-east-1", Endpoint: ls.Endpoint,
		AccessKeyID: "test", SecretAccessKey: "test",
	})
	require.NoError(t, err)
}
