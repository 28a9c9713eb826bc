package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// `GCSStore` stores objects in a Google Cloud Storage bucket below an
// optional key prefix.
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

// `credentialsFile` may be empty to use application default credentials.
func NewGCSStore(
	ctx context.Context, bucket, prefix, credentialsFile string,
) (*GCSStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{
		client: client,
		bucket: client.Bucket(bucket),
		prefix: prefix,
	}, nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) Put(
	ctx context.Context, key string, r io.Reader,
) (string, error) {
	w := s.bucket.Object(s.prefix + key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", s.classify("put", key, err)
	}
	if err := w.Close(); err != nil {
		return "", s.classify("put", key, err)
	}
	return strconv.FormatInt(w.Attrs().Generation, 10), nil
}

func (s *GCSStore) Get(
	ctx context.Context, key string,
) (io.ReadCloser, error) {
	r, err := s.bucket.Object(s.prefix + key).NewReader(ctx)
	if err != nil {
		return nil, s.classify("get", key, err)
	}
	return r, nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	err := s.bucket.Object(s.prefix + key).Delete(ctx)
	if err != nil && err != storage.ErrObjectNotExist {
		return s.classify("delete", key, err)
	}
	return nil
}

func (s *GCSStore) List(
	ctx context.Context, prefix string,
) ([]string, error) {
	it := s.bucket.Objects(ctx, &storage.Query{
		Prefix: s.prefix + prefix,
	})
	keys := make([]string, 0)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, s.classify("list", prefix, err)
		}
		keys = append(keys, attrs.Name[len(s.prefix):])
	}
	return keys, nil
}

// Authentication, authorization, and malformed-request failures are
// terminal; they require operator action.  Everything else, including
// server-side 5xx responses and plain network errors, is transient.
func (s *GCSStore) classify(op, key string, err error) error {
	terminal := false
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case 400, 401, 403, 404:
			terminal = true
		}
	}
	if err == storage.ErrObjectNotExist ||
		err == storage.ErrBucketNotExist {
		terminal = true
	}
	return &TransferError{Op: op, Key: key, Terminal: terminal, Err: err}
}
