package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"studio-jobcore/internal/config"
	"studio-jobcore/internal/workflow"
)

// ObjectAPI is the part of the S3 client the executor uses.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Presigner signs share links.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3 executes workflows against one bucket:
//
//	projects/<id>/<folder>/   live project prefix
//	archive/<id>/...          archived copies
//	delivery/<id>/manifest.json
type S3 struct {
	api          ObjectAPI
	presigner    Presigner
	bucket       string
	storageClass types.StorageClass
	shareExpiry  time.Duration
	logger       *zap.Logger
}

// NewS3 builds an executor from config. Static keys, when set, are wrapped
// in a credentials cache owned by this executor; otherwise the default AWS
// chain applies.
func NewS3(ctx context.Context, cfg config.Config, logger *zap.Logger) (*S3, error) {
	if cfg.S3Bucket == "" {
		return nil, errors.New("S3_BUCKET is not configured")
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewS3WithClient(client, s3.NewPresignClient(client), cfg.S3Bucket, cfg.S3ArchiveStorage, cfg.S3ShareExpiry, logger), nil
}

// NewS3WithClient wires an executor around existing clients.
func NewS3WithClient(api ObjectAPI, presigner Presigner, bucket, storageClass string, shareExpiry time.Duration, logger *zap.Logger) *S3 {
	if storageClass == "" {
		storageClass = string(types.StorageClassGlacierIr)
	}
	if shareExpiry <= 0 {
		shareExpiry = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3{
		api:          api,
		presigner:    presigner,
		bucket:       bucket,
		storageClass: types.StorageClass(storageClass),
		shareExpiry:  shareExpiry,
		logger:       logger.With(zap.String("domain", DomainS3)),
	}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		provider := aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""))
		opts = append(opts, awsconfig.WithCredentialsProvider(provider))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

func (e *S3) Domain() string { return DomainS3 }

func (e *S3) Execute(ctx context.Context, task workflow.Task) (workflow.DomainResult, error) {
	id, err := safeSegment(task.Project.ID)
	if err != nil {
		return workflow.DomainResult{}, err
	}
	switch task.Workflow {
	case workflow.WorkflowBootstrap:
		return e.bootstrap(ctx, id)
	case workflow.WorkflowArchive:
		return e.archive(ctx, id)
	case workflow.WorkflowDelivery:
		return e.deliver(ctx, id, task)
	}
	return workflow.DomainResult{}, fmt.Errorf("s3: unsupported workflow %q", task.Workflow)
}

func projectPrefix(id string) string { return "projects/" + id + "/" }

func (e *S3) bootstrap(ctx context.Context, id string) (workflow.DomainResult, error) {
	summary := &workflow.ProvisioningSummary{}
	for _, folder := range ProjectFolders {
		key := projectPrefix(id) + folder + "/"
		_, err := e.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(e.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(nil),
		})
		if err != nil {
			if ctx.Err() != nil {
				return workflow.DomainResult{}, ctx.Err()
			}
			summary.Errors = append(summary.Errors, fmt.Sprintf("put %s: %v", key, err))
			continue
		}
		summary.Created = append(summary.Created, folder)
	}
	res := workflow.DomainResult{Provisioning: summary, RootState: workflow.StateRootCreated}
	if len(summary.Errors) > 0 {
		res.RootState = workflow.StateProvisionFailed
	}
	return res, nil
}

func (e *S3) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	in := &s3.ListObjectsV2Input{Bucket: aws.String(e.bucket), Prefix: aws.String(prefix)}
	for {
		out, err := e.api.ListObjectsV2(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			return keys, nil
		}
		in.ContinuationToken = out.NextContinuationToken
	}
}

func (e *S3) archive(ctx context.Context, id string) (workflow.DomainResult, error) {
	keys, err := e.listKeys(ctx, projectPrefix(id))
	if err != nil {
		return workflow.DomainResult{}, err
	}
	if len(keys) == 0 {
		archived, err := e.listKeys(ctx, "archive/"+id+"/")
		if err != nil {
			return workflow.DomainResult{}, err
		}
		if len(archived) > 0 {
			return workflow.DomainResult{RootState: workflow.StateAlreadyArchived}, nil
		}
		return workflow.DomainResult{RootState: workflow.StateSourceMissing, Notes: []string{"no objects under " + projectPrefix(id)}}, nil
	}

	var failed []string
	for _, key := range keys {
		dst := "archive/" + id + "/" + strings.TrimPrefix(key, projectPrefix(id))
		_, err := e.api.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:       aws.String(e.bucket),
			Key:          aws.String(dst),
			CopySource:   aws.String(copySource(e.bucket, key)),
			StorageClass: e.storageClass,
		})
		if err != nil {
			if ctx.Err() != nil {
				return workflow.DomainResult{}, ctx.Err()
			}
			failed = append(failed, fmt.Sprintf("copy %s: %v", key, err))
		}
	}
	if len(failed) > 0 {
		return workflow.DomainResult{RootState: workflow.StateArchiveFailed, Notes: failed}, nil
	}
	e.logger.Info("project archived", zap.String("project_id", id), zap.Int("objects", len(keys)))
	return workflow.DomainResult{
		RootState: workflow.StateArchived,
		Notes:     []string{fmt.Sprintf("copied %d objects to %s storage", len(keys), e.storageClass)},
	}, nil
}

// copySource escapes each key segment but keeps the separators.
func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return bucket + "/" + strings.Join(parts, "/")
}

type manifest struct {
	ProjectID string    `json:"projectId"`
	RunID     string    `json:"runId"`
	Files     []string  `json:"files"`
	CreatedAt time.Time `json:"createdAt"`
}

func (e *S3) deliver(ctx context.Context, id string, task workflow.Task) (workflow.DomainResult, error) {
	prefix := projectPrefix(id) + "deliverables/"
	keys, err := e.listKeys(ctx, prefix)
	if err != nil {
		return workflow.DomainResult{}, err
	}
	var files []string
	for _, k := range keys {
		if name := strings.TrimPrefix(k, prefix); name != "" {
			files = append(files, name)
		}
	}
	if len(files) == 0 {
		return workflow.DomainResult{RootState: workflow.StateSourceMissing, Notes: []string{"no deliverables under " + prefix}}, nil
	}

	body, err := json.Marshal(manifest{ProjectID: id, RunID: task.RunID, Files: files, CreatedAt: time.Now().UTC()})
	if err != nil {
		return workflow.DomainResult{}, fmt.Errorf("encode manifest: %w", err)
	}
	key := path.Join("delivery", id, "manifest.json")
	_, err = e.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return workflow.DomainResult{}, fmt.Errorf("put manifest: %w", err)
	}

	req, err := e.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(e.shareExpiry))
	if err != nil {
		return workflow.DomainResult{}, fmt.Errorf("presign manifest: %w", err)
	}
	return workflow.DomainResult{
		RootState: workflow.StateShareCreated,
		ShareURL:  req.URL,
		Notes:     []string{fmt.Sprintf("shared %d files for %s", len(files), e.shareExpiry)},
	}, nil
}
