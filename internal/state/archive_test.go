package state

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattiam/rollout/internal/interfaces"
)

// fakeS3 is an in-memory ObjectAPI
type fakeS3 struct {
	mu       sync.Mutex
	buckets  map[string]bool
	objects  map[string][]byte
	metadata map[string]map[string]string
	created  []*s3.CreateBucketInput
	putErr   error
}

func newFakeS3(buckets ...string) *fakeS3 {
	f := &fakeS3{
		buckets:  make(map[string]bool),
		objects:  make(map[string][]byte),
		metadata: make(map[string]map[string]string),
	}
	for _, b := range buckets {
		f.buckets[b] = true
	}
	return f
}

func (f *fakeS3) HeadBucket(_ context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.buckets[aws.ToString(in.Bucket)] {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(_ context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[aws.ToString(in.Bucket)] = true
	f.created = append(f.created, in)
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.metadata[aws.ToString(in.Key)] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestS3ArchiveInitializeBucket(t *testing.T) {
	t.Parallel()

	t.Run("Existing", func(t *testing.T) {
		fake := newFakeS3("snapshots")
		a := NewS3ArchiveWithClient(fake, "snapshots", "eu-west-1", "")
		require.NoError(t, a.initializeBucket(context.Background()))
		assert.Empty(t, fake.created)
	})

	t.Run("Created", func(t *testing.T) {
		fake := newFakeS3()
		a := NewS3ArchiveWithClient(fake, "snapshots", "eu-west-1", "")
		require.NoError(t, a.initializeBucket(context.Background()))
		require.Len(t, fake.created, 1)
		require.NotNil(t, fake.created[0].CreateBucketConfiguration)
		assert.Equal(t, types.BucketLocationConstraint("eu-west-1"), fake.created[0].CreateBucketConfiguration.LocationConstraint)
	})

	t.Run("USEast1HasNoLocationConstraint", func(t *testing.T) {
		fake := newFakeS3()
		a := NewS3ArchiveWithClient(fake, "snapshots", "us-east-1", "")
		require.NoError(t, a.initializeBucket(context.Background()))
		require.Len(t, fake.created, 1)
		assert.Nil(t, fake.created[0].CreateBucketConfiguration)
	})
}

func TestS3ArchiveSaveAndLoad(t *testing.T) {
	t.Parallel()
	fake := newFakeS3("snapshots")
	a := NewS3ArchiveWithClient(fake, "snapshots", "eu-west-1", "executions/")
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, a.SaveExecution(ctx, execution("exec-1", "checkout", "prod", interfaces.StatusRolledBack, 7, now)))
	require.NoError(t, a.SaveExecution(ctx, execution("exec-2", "checkout", "prod", interfaces.StatusInProgress, 2, now)))

	require.Contains(t, fake.objects, "executions/exec-1.json")
	assert.NotContains(t, fake.objects, "executions/exec-2.json", "running executions are not archived")
	assert.Equal(t, "rolled_back", fake.metadata["executions/exec-1.json"]["status"])
	assert.Equal(t, "7", fake.metadata["executions/exec-1.json"]["revision"])

	got, err := a.LoadExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusRolledBack, got.Status)
	assert.Equal(t, "checkout", got.PlanID)

	_, err = a.LoadExecution(ctx, "exec-2")
	assert.True(t, interfaces.IsKind(err, interfaces.KindNotFound))

	ids, err := a.ListArchived(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"exec-1"}, ids)

	require.NoError(t, a.Ping(ctx))
}

func TestS3ArchiveErrors(t *testing.T) {
	t.Parallel()
	fake := newFakeS3("snapshots")
	fake.putErr = errors.New("access denied")
	a := NewS3ArchiveWithClient(fake, "snapshots", "eu-west-1", "")
	ctx := context.Background()

	err := a.SaveExecution(ctx, execution("exec-1", "checkout", "prod", interfaces.StatusCompleted, 1, time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")

	require.Error(t, a.SaveExecution(ctx, nil))
	_, err = a.LoadExecution(ctx, "")
	assert.True(t, interfaces.IsKind(err, interfaces.KindValidation))

	missing := NewS3ArchiveWithClient(fake, "absent", "eu-west-1", "")
	require.Error(t, missing.Ping(ctx))
}

func TestNewS3ArchiveValidation(t *testing.T) {
	t.Parallel()
	_, err := NewS3Archive(context.Background(), S3ArchiveConfig{Region: "eu-west-1"})
	require.Error(t, err)
	_, err = NewS3Archive(context.Background(), S3ArchiveConfig{Bucket: "b"})
	require.Error(t, err)
}
