package toki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// MirrorClient wraps an S3-compatible bucket holding prebuilt artifact
// tarballs and their index, so a fleet of builders can share one cache.
type MirrorClient struct {
	Client     *s3.Client
	BucketName string
}

// NewMirrorClient initializes the client from configuration values.
func NewMirrorClient(cfg *Config) (*MirrorClient, error) {
	endpoint := cfg.Values["TOKI_S3_ENDPOINT"]
	accessKey := cfg.Values["TOKI_S3_ACCESS_KEY_ID"]
	secretKey := cfg.Values["TOKI_S3_SECRET_ACCESS_KEY"]
	bucketName := cfg.Values["TOKI_S3_BUCKET"]

	if endpoint == "" || accessKey == "" || secretKey == "" || bucketName == "" {
		return nil, fmt.Errorf("mirror credentials missing in configuration (TOKI_S3_ENDPOINT, TOKI_S3_ACCESS_KEY_ID, TOKI_S3_SECRET_ACCESS_KEY, TOKI_S3_BUCKET)")
	}

	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{URL: endpoint}, nil
	})

	options := []func(*config.LoadOptions) error{
		config.WithEndpointResolverWithOptions(resolver),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		config.WithRegion("auto"),
	}

	if Debug {
		options = append(options, config.WithClientLogMode(aws.LogSigning|aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := config.LoadDefaultConfig(context.TODO(), options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load mirror config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &MirrorClient{
		Client:     client,
		BucketName: bucketName,
	}, nil
}

// DownloadFile fetches an object from the mirror.
func (m *MirrorClient) DownloadFile(ctx context.Context, key string) ([]byte, error) {
	output, err := m.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer output.Body.Close()

	return io.ReadAll(output.Body)
}

// UploadFile uploads bytes to the mirror.
func (m *MirrorClient) UploadFile(ctx context.Context, key string, body []byte) error {
	contentType := "application/octet-stream"
	if strings.HasSuffix(key, ".json") {
		contentType = "application/json"
	} else if strings.HasSuffix(key, ".zst") {
		contentType = "application/zstd"
	}

	_, err := m.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.BucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	return err
}

// UploadLocalFile streams a file from disk to the mirror.
func (m *MirrorClient) UploadLocalFile(ctx context.Context, key, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}

	contentType := "application/octet-stream"
	if strings.HasSuffix(key, ".zst") {
		contentType = "application/zstd"
	}

	_, err = m.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.BucketName),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(contentType),
	})
	return err
}

// DeleteFile removes an object from the mirror.
func (m *MirrorClient) DeleteFile(ctx context.Context, key string) error {
	_, err := m.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(m.BucketName),
		Key:    aws.String(key),
	})
	return err
}

// MirrorObject represents object metadata on the mirror.
type MirrorObject struct {
	Key  string
	Size int64
}

// ListObjects returns the objects in the bucket with the given prefix.
func (m *MirrorClient) ListObjects(ctx context.Context, prefix string) ([]MirrorObject, error) {
	var objects []MirrorObject
	paginator := s3.NewListObjectsV2Paginator(m.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.BucketName),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			objects = append(objects, MirrorObject{
				Key:  *obj.Key,
				Size: *obj.Size,
			})
		}
	}
	return objects, nil
}

const mirrorIndexKey = "artifacts/index.json"

// PushArtifacts uploads every local cache entry the mirror does not have,
// then rewrites the remote index in one shot.
func (m *MirrorClient) PushArtifacts(ctx context.Context, store *StateStore) error {
	existing := make(map[string]bool)
	objs, err := m.ListObjects(ctx, "artifacts/")
	if err != nil {
		return fmt.Errorf("list mirror artifacts: %w", err)
	}
	for _, o := range objs {
		existing[filepath.Base(o.Key)] = true
	}

	index := make(map[string]CacheEntry)
	for _, key := range store.Keys() {
		entry, ok := store.Lookup(key)
		if !ok {
			continue
		}
		name := filepath.Base(entry.Tarball)
		if !existing[name] {
			colArrow.Print("-> ")
			colSuccess.Printf("Uploading %s\n", name)
			if err := m.UploadLocalFile(ctx, "artifacts/"+name, entry.Tarball); err != nil {
				return fmt.Errorf("upload %s: %w", name, err)
			}
		}
		index[key] = entry
	}

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	return m.UploadFile(ctx, mirrorIndexKey, data)
}

// FetchArtifact pulls one cache entry's tarball from the mirror into the
// local artifact dir and records it, letting the build skip the whole unit.
func (m *MirrorClient) FetchArtifact(ctx context.Context, store *StateStore, key string) (CacheEntry, error) {
	data, err := m.DownloadFile(ctx, mirrorIndexKey)
	if err != nil {
		return CacheEntry{}, fmt.Errorf("fetch mirror index: %w", err)
	}
	var index map[string]CacheEntry
	if err := json.Unmarshal(data, &index); err != nil {
		return CacheEntry{}, fmt.Errorf("parse mirror index: %w", err)
	}

	entry, ok := index[key]
	if !ok {
		return CacheEntry{}, fmt.Errorf("key not on mirror")
	}

	name := filepath.Base(entry.Tarball)
	body, err := m.DownloadFile(ctx, "artifacts/"+name)
	if err != nil {
		return CacheEntry{}, fmt.Errorf("download %s: %w", name, err)
	}

	localPath := filepath.Join(ArtifactDir, name)
	if err := os.MkdirAll(ArtifactDir, 0o755); err != nil {
		return CacheEntry{}, err
	}
	if err := os.WriteFile(localPath, body, 0o644); err != nil {
		return CacheEntry{}, err
	}
	entry.Tarball = localPath

	err = store.WithKeyLock(key, func() error {
		return store.Record(key, entry)
	})
	return entry, err
}
