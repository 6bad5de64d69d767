// Package collect copies the finished installer to its release
// collection point: a directory (often a network share) or an S3
// compatible bucket.
package collect

import (
	"context"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/kit/log/level"
	"github.com/kolide/kit/env"
	"github.com/kolide/kit/fsutil"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"github.com/relbuild/pyrelease/pkg/contexts/ctxlog"
	"go.opencensus.io/trace"
)

// Collector delivers an artifact and returns where it ended up.
type Collector interface {
	Collect(ctx context.Context, file string) (string, error)
}

// New returns the collector for target. An empty target collects
// nothing, an s3://bucket/prefix target uploads with the credentials
// in the COLLECT_S3_* environment, and anything else is a directory.
func New(target string) (Collector, error) {
	switch {
	case target == "":
		return nopCollector{}, nil
	case strings.HasPrefix(target, "s3://"):
		bucket, prefix, err := parseS3(target)
		if err != nil {
			return nil, err
		}
		client, err := newMinioClient()
		if err != nil {
			return nil, err
		}
		return &S3Collector{client: client, bucket: bucket, prefix: prefix}, nil
	default:
		return &DirCollector{dir: target}, nil
	}
}

type nopCollector struct{}

func (nopCollector) Collect(ctx context.Context, file string) (string, error) {
	level.Debug(ctxlog.FromContext(ctx)).Log("msg", "no collection path, skipping", "file", file)
	return "", nil
}

// DirCollector copies artifacts into a directory, creating it.
type DirCollector struct {
	dir string
}

func NewDirCollector(dir string) *DirCollector {
	return &DirCollector{dir: dir}
}

func (c *DirCollector) Collect(ctx context.Context, file string) (string, error) {
	ctx, span := trace.StartSpan(ctx, "collect.Dir")
	defer span.End()

	if err := os.MkdirAll(c.dir, fsutil.DirMode); err != nil {
		return "", errors.Wrapf(err, "creating collection dir %s", c.dir)
	}

	dest := filepath.Join(c.dir, filepath.Base(file))
	if err := fsutil.CopyFile(file, dest); err != nil {
		return "", errors.Wrapf(err, "copying %s to %s", file, dest)
	}

	level.Info(ctxlog.FromContext(ctx)).Log("msg", "collected", "dest", dest)
	return dest, nil
}

// objectPutter is the part of the minio client the S3 collector uses.
type objectPutter interface {
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// S3Collector uploads artifacts under a prefix in a bucket.
type S3Collector struct {
	client objectPutter
	bucket string
	prefix string
}

func (c *S3Collector) Collect(ctx context.Context, file string) (string, error) {
	ctx, span := trace.StartSpan(ctx, "collect.S3")
	defer span.End()

	object := path.Join(c.prefix, filepath.Base(file))
	info, err := c.client.FPutObject(ctx, c.bucket, object, file, minio.PutObjectOptions{
		ContentType: contentType(file),
	})
	if err != nil {
		return "", errors.Wrapf(err, "uploading %s to s3://%s/%s", file, c.bucket, object)
	}

	dest := "s3://" + c.bucket + "/" + object
	level.Info(ctxlog.FromContext(ctx)).Log("msg", "collected", "dest", dest, "size", info.Size, "etag", info.ETag)
	return dest, nil
}

func contentType(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".msi":
		return "application/x-msi"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

func parseS3(target string) (string, string, error) {
	rest := strings.TrimPrefix(target, "s3://")
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", errors.Errorf("no bucket in %s", target)
	}
	return bucket, strings.Trim(prefix, "/"), nil
}

func newMinioClient() (*minio.Client, error) {
	endpoint := env.String("COLLECT_S3_ENDPOINT", "s3.amazonaws.com")
	accessKey := env.String("COLLECT_S3_ACCESS_KEY", "")
	secretKey := env.String("COLLECT_S3_SECRET_KEY", "")
	if accessKey == "" || secretKey == "" {
		return nil, errors.New("COLLECT_S3_ACCESS_KEY and COLLECT_S3_SECRET_KEY are required for s3 collection")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure:    !env.Bool("COLLECT_S3_INSECURE", false),
		Transport: newTransport(),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating s3 client for %s", endpoint)
	}
	return client, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
