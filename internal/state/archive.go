package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/pkg/logging"
)

const (
	s3OperationTimeout = 30 * time.Second
	maxSnapshotSize    = 10 * 1024 * 1024
)

// ObjectAPI is the subset of the S3 client used by the archive
type ObjectAPI interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// S3ArchiveConfig holds the configuration for S3Archive
type S3ArchiveConfig struct {
	Bucket          string
	Region          string
	Prefix          string
	Endpoint        string // for LocalStack or other S3-compatible endpoints
	AccessKeyID     string
	SecretAccessKey string
}

// S3Archive writes final execution snapshots to S3 as JSON objects keyed by
// execution ID
type S3Archive struct {
	client ObjectAPI
	bucket string
	region string
	prefix string
	logger *logging.Logger
}

// NewS3Archive creates an archive backed by a real S3 client and makes sure
// the bucket exists
func NewS3Archive(ctx context.Context, cfg S3ArchiveConfig) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("region is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	archive := NewS3ArchiveWithClient(client, cfg.Bucket, cfg.Region, cfg.Prefix)
	if err := archive.initializeBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize S3 bucket: %w", err)
	}
	return archive, nil
}

// NewS3ArchiveWithClient creates an archive over an existing client
func NewS3ArchiveWithClient(client ObjectAPI, bucket, region, prefix string) *S3Archive {
	return &S3Archive{
		client: client,
		bucket: bucket,
		region: region,
		prefix: prefix,
		logger: logging.NewLogger("archive"),
	}
}

func (a *S3Archive) initializeBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s3OperationTimeout)
	defer cancel()

	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)})
	if err == nil {
		return nil
	}

	var noBucket *types.NoSuchBucket
	var notFound *types.NotFound
	if !errors.As(err, &noBucket) && !errors.As(err, &notFound) && !strings.Contains(err.Error(), "NotFound") {
		return fmt.Errorf("failed to access S3 bucket %s: %w", a.bucket, err)
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(a.bucket)}
	// us-east-1 rejects an explicit location constraint
	if a.region != "" && a.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(a.region),
		}
	}
	if _, err := a.client.CreateBucket(ctx, input); err != nil {
		return fmt.Errorf("failed to create S3 bucket %s: %w", a.bucket, err)
	}
	a.logger.Info("Created archive bucket %s", a.bucket)
	return nil
}

func (a *S3Archive) objectKey(executionID string) string {
	if a.prefix == "" {
		return executionID + ".json"
	}
	return strings.TrimSuffix(a.prefix, "/") + "/" + executionID + ".json"
}

// SaveExecution archives a terminal snapshot. Snapshots of running
// executions are skipped.
func (a *S3Archive) SaveExecution(ctx context.Context, e *interfaces.DeploymentExecution) error {
	if e == nil || e.ID == "" {
		return interfaces.NewError(interfaces.KindValidation, "execution snapshot requires an ID")
	}
	if !e.Status.IsTerminal() {
		return nil
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal execution %s: %w", e.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s3OperationTimeout)
	defer cancel()

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.objectKey(e.ID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"execution-id": e.ID,
			"plan":         e.PlanKey(),
			"environment":  e.Environment,
			"status":       string(e.Status),
			"revision":     strconv.FormatInt(e.Revision, 10),
			"archived-at":  time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to archive execution %s to S3: %w", e.ID, err)
	}
	a.logger.Debug("Archived execution %s to s3://%s/%s", e.ID, a.bucket, a.objectKey(e.ID))
	return nil
}

// LoadExecution reads an archived snapshot
func (a *S3Archive) LoadExecution(ctx context.Context, executionID string) (*interfaces.DeploymentExecution, error) {
	if executionID == "" {
		return nil, interfaces.NewError(interfaces.KindValidation, "execution ID cannot be empty")
	}

	ctx, cancel := context.WithTimeout(ctx, s3OperationTimeout)
	defer cancel()

	result, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.objectKey(executionID)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, interfaces.NewError(interfaces.KindNotFound, "execution %s is not archived", executionID)
		}
		return nil, fmt.Errorf("failed to get execution %s from S3: %w", executionID, err)
	}
	defer func() { _ = result.Body.Close() }()

	data, err := io.ReadAll(&io.LimitedReader{R: result.Body, N: maxSnapshotSize})
	if err != nil {
		return nil, fmt.Errorf("failed to read archived execution %s: %w", executionID, err)
	}

	var e interfaces.DeploymentExecution
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode archived execution %s: %w", executionID, err)
	}
	return &e, nil
}

// ListArchived returns the IDs of all archived executions
func (a *S3Archive) ListArchived(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s3OperationTimeout)
	defer cancel()

	prefix := strings.TrimSuffix(a.objectKey(""), ".json")
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(prefix),
	})

	var ids []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list archived executions: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".json") {
				continue
			}
			ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(key, prefix), ".json"))
		}
	}
	return ids, nil
}

// Ping tests connectivity to the archive bucket
func (a *S3Archive) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)}); err != nil {
		return fmt.Errorf("S3 archive not accessible: %w", err)
	}
	return nil
}

var _ interfaces.SnapshotSink = (*S3Archive)(nil)
