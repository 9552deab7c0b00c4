// Package export copies one size variant of the camera roll to S3.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/grfs/grfs/internal/logging"
	"github.com/grfs/grfs/internal/metrics"
	"github.com/grfs/grfs/pkg/models"
	"github.com/grfs/grfs/pkg/tree"
	"github.com/grfs/grfs/pkg/vfs"
)

// ObjectStore is the part of the S3 client the exporter uses.
type ObjectStore interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config holds export settings.
type Config struct {
	Endpoint  string // empty for AWS
	Bucket    string
	Region    string
	AccessKey string // empty to use the default credential chain
	SecretKey string
	Prefix    string
	Variant   models.Variant
}

// NewClient builds an S3 client. A custom endpoint (MinIO and friends) uses
// path-style addressing.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Result summarizes an export run.
type Result struct {
	Uploaded int
	Skipped  int
	Failed   int
	Bytes    int64
}

// Exporter uploads photos from the filesystem to a bucket.
type Exporter struct {
	fsys  *vfs.FS
	store ObjectStore
	cfg   Config
}

// New creates an exporter.
func New(fsys *vfs.FS, store ObjectStore, cfg Config) *Exporter {
	if cfg.Variant == "" {
		cfg.Variant = models.VariantFull
	}
	return &Exporter{fsys: fsys, store: store, cfg: cfg}
}

// Key returns the object key for a photo path ("folder/file").
func Key(prefix, photoPath string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return photoPath
	}
	return prefix + "/" + photoPath
}

// Run uploads every photo of the configured variant. Objects that already
// exist with the same size are skipped. A failed photo is logged and
// counted; Run continues with the next one unless ctx is done.
func (e *Exporter) Run(ctx context.Context) (Result, error) {
	var res Result

	root, err := e.fsys.Tree().Resolve(string(e.cfg.Variant))
	if err != nil {
		return res, fmt.Errorf("export %s: %w", e.cfg.Variant, err)
	}
	photos := tree.Leaves(root)
	logging.Info("export started",
		zap.String("bucket", e.cfg.Bucket),
		zap.String("variant", string(e.cfg.Variant)),
		zap.Int("photos", len(photos)))

	for _, photo := range photos {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		size, uploaded, err := e.exportOne(ctx, photo)
		switch {
		case err != nil:
			res.Failed++
			logging.Error("export failed", zap.String("path", photo.Path), zap.Error(err))
		case uploaded:
			res.Uploaded++
			res.Bytes += size
		default:
			res.Skipped++
		}
	}

	logging.Info("export finished",
		zap.Int("uploaded", res.Uploaded),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
		zap.Int64("bytes", res.Bytes))
	if res.Failed > 0 {
		return res, fmt.Errorf("%d of %d photos failed to export", res.Failed, len(photos))
	}
	return res, nil
}

func (e *Exporter) exportOne(ctx context.Context, photo *models.PhotoEntry) (int64, bool, error) {
	treePath := string(e.cfg.Variant) + "/" + photo.Path
	key := Key(e.cfg.Prefix, photo.Path)

	attrs, err := e.fsys.GetAttributes(ctx, treePath)
	if err != nil {
		return 0, false, err
	}
	if e.exists(ctx, key, attrs.Size) {
		logging.Debug("object up to date", zap.String("key", key))
		return attrs.Size, false, nil
	}

	// Photos downloaded for the export are dropped once uploaded, unless a
	// reader used them in the meantime. Photos cached beforehand stay.
	wasCached := e.fsys.IsCached(treePath)
	cache := e.fsys.Cache()
	size, err := cache.Fill(ctx, treePath)
	if err != nil {
		return 0, false, err
	}
	if !wasCached {
		defer cache.EvictUnread(treePath)
	}

	err = cache.View(treePath, func(r io.ReaderAt, n int64) error {
		return e.put(ctx, key, io.NewSectionReader(r, 0, n), n)
	})
	if err != nil {
		return 0, false, err
	}
	return size, true, nil
}

func (e *Exporter) exists(ctx context.Context, key string, size int64) bool {
	start := time.Now()
	out, err := e.store.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(e.cfg.Bucket),
		Key:    aws.String(key),
	})
	metrics.RecordS3Operation("head_object", time.Since(start), err == nil)
	return err == nil && aws.ToInt64(out.ContentLength) == size
}

func (e *Exporter) put(ctx context.Context, key string, body io.ReadSeeker, size int64) error {
	contentType := mime.TypeByExtension(strings.ToLower(path.Ext(key)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	start := time.Now()
	_, err := e.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(e.cfg.Bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
		Metadata:      map[string]string{"grfs-variant": string(e.cfg.Variant)},
	})
	metrics.RecordS3Operation("put_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	logging.Debug("S3 put object", zap.String("key", key), zap.Int64("size", size))
	return nil
}

// ErrNoBucket is returned when no bucket is configured.
var ErrNoBucket = errors.New("no bucket configured")

// Validate reports missing settings.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return ErrNoBucket
	}
	if !models.IsVariant(string(c.Variant)) {
		return fmt.Errorf("unknown variant %q", c.Variant)
	}
	return nil
}
