// Package archive keeps a copy of every upstream agent payload in an
// S3-compatible bucket so a run can be re-parsed later.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rotisserie/eris"
)

// Config describes the bucket payloads are written to.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return eris.New("archive: endpoint is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return eris.New("archive: bucket is required")
	}
	return nil
}

// Store writes payloads to MinIO. It satisfies ingest.RawArchive.
type Store struct {
	client *minio.Client
	bucket string
}

// New connects to the bucket described by cfg, creating it when missing.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, eris.Wrap(err, "archive: new client")
	}
	if err := ensureBucket(ctx, client, cfg.Bucket, cfg.Region); err != nil {
		return nil, eris.Wrapf(err, "archive: ensure bucket %s", cfg.Bucket)
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// Put stores payload as JSON and returns its object key.
func (s *Store) Put(ctx context.Context, runID, sourceURL string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", eris.Wrap(err, "archive: marshal payload")
	}
	key := ObjectKey(runID, sourceURL)
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"source-url": sourceURL,
		},
	})
	if err != nil {
		return "", eris.Wrapf(err, "archive: put %s", key)
	}
	return key, nil
}

// ObjectKey is runs/<run>/<host>-<hash>.json. The hash keeps keys distinct
// for several pages on the same host.
func ObjectKey(runID, sourceURL string) string {
	if runID == "" {
		runID = "preview"
	}
	host := "unknown"
	if u, err := url.Parse(sourceURL); err == nil && u.Hostname() != "" {
		host = strings.ToLower(u.Hostname())
	}
	sum := sha256.Sum256([]byte(sourceURL))
	return "runs/" + runID + "/" + host + "-" + hex.EncodeToString(sum[:6]) + ".json"
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
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
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
