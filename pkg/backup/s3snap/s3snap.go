// Package s3snap is a BackupProvider that archives the local data
// directory into a snappy-compressed tar stream stored in S3.
package s3snap

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/dd0wney/cluso-deadman/pkg/logging"
	"github.com/dd0wney/cluso-deadman/pkg/plugin"
)

const objectSuffix = ".tar.sz"

// Config selects the bucket and the local directory to snapshot
type Config struct {
	Bucket string
	// Prefix namespaces this group's snapshots within the bucket
	Prefix  string
	Region  string
	DataDir string

	// Endpoint overrides the S3 endpoint, for MinIO and test stacks.
	// Path-style addressing is forced when set.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// api is the slice of the S3 client the provider uses
type api interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Provider implements plugin.BackupProvider backed by S3
type Provider struct {
	client api
	cfg    Config
	logger logging.Logger
}

var _ plugin.BackupProvider = (*Provider)(nil)

// New builds a provider with a real S3 client
func New(ctx context.Context, cfg Config, logger logging.Logger) (*Provider, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 snapshot: bucket required")
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("s3 snapshot: data dir required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(cfg, client, logger), nil
}

// NewWithClient builds a provider over an existing client
func NewWithClient(cfg Config, client api, logger logging.Logger) *Provider {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Provider{client: client, cfg: cfg, logger: logger}
}

// Name implements plugin.Plugin
func (p *Provider) Name() string { return "s3-snapshot" }

// Snapshot archives the data directory and uploads it as one object.
// Snapshot ids start with a UTC timestamp, so lexical object order is
// chronological order.
func (p *Provider) Snapshot(ctx context.Context) (plugin.SnapshotRef, error) {
	id := fmt.Sprintf("%s-%s",
		time.Now().UTC().Format("20060102T150405Z"),
		uuid.NewString()[:8])

	var buf bytes.Buffer
	if err := archiveDir(p.cfg.DataDir, &buf); err != nil {
		return plugin.SnapshotRef{}, fmt.Errorf("archive %s: %w", p.cfg.DataDir, err)
	}

	key := p.objectKey(id)
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return plugin.SnapshotRef{}, fmt.Errorf("upload snapshot %s: %w", id, err)
	}

	ref := plugin.SnapshotRef{
		ID:        id,
		Location:  fmt.Sprintf("s3://%s/%s", p.cfg.Bucket, key),
		Timestamp: time.Now().Unix(),
		Size:      int64(buf.Len()),
	}
	p.logger.Info("snapshot uploaded",
		logging.String("snapshot_id", id),
		logging.Uint64("size_bytes", uint64(ref.Size)))
	return ref, nil
}

// Restore downloads a snapshot and unpacks it over the data directory
func (p *Provider) Restore(ctx context.Context, ref plugin.SnapshotRef) error {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(p.objectKey(ref.ID)),
	})
	if err != nil {
		return fmt.Errorf("download snapshot %s: %w", ref.ID, err)
	}
	defer out.Body.Close()

	if err := unpackDir(out.Body, p.cfg.DataDir); err != nil {
		return fmt.Errorf("unpack snapshot %s: %w", ref.ID, err)
	}
	p.logger.Info("snapshot restored", logging.String("snapshot_id", ref.ID))
	return nil
}

// ListSnapshots returns the stored snapshots, oldest first
func (p *Provider) ListSnapshots(ctx context.Context) ([]plugin.SnapshotRef, error) {
	var refs []plugin.SnapshotRef
	var token *string

	for {
		out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(p.cfg.Bucket),
			Prefix:            aws.String(p.keyPrefix()),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}

		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, objectSuffix) {
				continue
			}
			ref := plugin.SnapshotRef{
				ID:       strings.TrimSuffix(path.Base(key), objectSuffix),
				Location: fmt.Sprintf("s3://%s/%s", p.cfg.Bucket, key),
				Size:     aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				ref.Timestamp = obj.LastModified.Unix()
			}
			refs = append(refs, ref)
		}

		if out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs, nil
}

func (p *Provider) keyPrefix() string {
	if p.cfg.Prefix == "" {
		return "snapshots/"
	}
	return strings.TrimSuffix(p.cfg.Prefix, "/") + "/"
}

func (p *Provider) objectKey(id string) string {
	return p.keyPrefix() + id + objectSuffix
}
