package objectstore

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	return minio.New(cfg.Endpoint, opts)
}

// Lister answers whether a prefix holds any object. It is what staging
// tasks consult before issuing a COPY.
type Lister struct {
	client *minio.Client
}

func NewLister(cfg Config) (*Lister, error) {
	client, err := NewMinIOClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Lister{client: client}, nil
}

func (l *Lister) HasObjects(ctx context.Context, bucket, prefix string) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	objects := l.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    strings.TrimPrefix(prefix, "/"),
		Recursive: true,
		MaxKeys:   1,
	})
	for obj := range objects {
		if obj.Err != nil {
			return false, errors.Wrapf(obj.Err, "list s3://%s/%s", bucket, prefix)
		}
		return true, nil
	}
	return false, nil
}

// CheckBucket fails when bucket does not exist.
func (l *Lister) CheckBucket(ctx context.Context, bucket string) error {
	exists, err := l.client.BucketExists(ctx, bucket)
	if err != nil {
		return errors.Wrapf(err, "bucket %s exists", bucket)
	}
	if !exists {
		return errors.Errorf("bucket missing: %s", bucket)
	}
	return nil
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
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
