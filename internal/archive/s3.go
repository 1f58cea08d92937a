package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"dp-sidecar/internal/dp"
)

// versionMetaKey is the object metadata entry holding the snapshot version.
const versionMetaKey = "snapshot-version"

// S3Config holds explicit construction parameters for an S3Archive.
// Empty credentials fall back to the default AWS credential chain.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // optional; set for MinIO or other S3-compatible stores
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
	HTTPClient      *http.Client // optional; tests point this at a fake server
}

// S3Archive stores snapshots as objects keyed <prefix>/<instanceID>/<name>.
// The version travels as object metadata so it is replaced with the bytes.
type S3Archive struct {
	name     string
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Archive creates an S3Archive.
func NewS3Archive(ctx context.Context, name string, cfg S3Config) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 archive requires s3_bucket to be set")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.HTTPClient != nil {
			o.HTTPClient = cfg.HTTPClient
		}
		// Trailing checksums need chunked uploads, which some S3-compatible
		// stores reject.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})

	return &S3Archive{
		name:     name,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

func (a *S3Archive) key(instanceID, name string) string {
	return path.Join(a.prefix, instanceID, name)
}

// PutSnapshot uploads a snapshot with its version in the object metadata.
func (a *S3Archive) PutSnapshot(ctx context.Context, instanceID, name string, r io.Reader, size int64, version int64) error {
	counted := &countingReader{r: r}
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(a.bucket),
		Key:      aws.String(a.key(instanceID, name)),
		Body:     counted,
		Metadata: map[string]string{versionMetaKey: strconv.FormatInt(version, 10)},
	})
	if err != nil {
		return fmt.Errorf("uploading snapshot: %w", err)
	}
	if counted.n != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, counted.n)
	}
	return nil
}

// GetSnapshot downloads a snapshot into w.
func (a *S3Archive) GetSnapshot(ctx context.Context, instanceID, name string, w io.Writer) error {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(instanceID, name)),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("snapshot %q not found for instance: %s", name, instanceID)
		}
		return fmt.Errorf("downloading snapshot: %w", err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}
	return nil
}

// GetSnapshotVersion reads the version from the object metadata.
// Returns 0 if the object does not exist.
func (a *S3Archive) GetSnapshotVersion(ctx context.Context, instanceID, name string) (int64, error) {
	out, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(instanceID, name)),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading snapshot version: %w", err)
	}

	raw, ok := out.Metadata[versionMetaKey]
	if !ok {
		return 0, fmt.Errorf("snapshot %s has no version metadata", a.key(instanceID, name))
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

// ValidateSetup checks that the bucket exists and is reachable.
func (a *S3Archive) ValidateSetup(ctx context.Context) error {
	if _, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)}); err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", a.bucket, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Compile-time check that S3Archive implements dp.Archive interface
var _ dp.Archive = (*S3Archive)(nil)
