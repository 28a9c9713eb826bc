// Package `cloudsync` replicates archive artifacts to remote object storage
// with retry and resumable transfer.
//
// Remote layout for an archive `<id>`:
//
//	<prefix><id>/part.0000 ... part.NNNN   // artifact split into parts
//	<prefix><id>/manifest                  // copy of the artifact manifest
//	<prefix><id>/sum                       // copy of the aggregate checksum
//
// Parts are independently transferable; a retry resumes from the last
// completed part.
package cloudsync

import (
	"context"
	"fmt"
	"io"

	"github.com/worldbak/worldbak/backend/pkg/errorsx"
)

// `ObjectStore` is the one abstract interface to remote object storage.
type ObjectStore interface {
	// `Put()` stores an object and returns a driver-specific version
	// string.
	Put(ctx context.Context, key string, r io.Reader) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// `TransferError` classifies object store failures.  Terminal errors, like
// failed authentication or malformed requests, never succeed on retry and
// fail the job immediately.  Transient errors, like network failures and
// server-side 5xx responses, are retried with backoff.
type TransferError struct {
	Op       string
	Key      string
	Terminal bool
	Err      error
}

func (e *TransferError) Error() string {
	kind := "transient"
	if e.Terminal {
		kind = "terminal"
	}
	return fmt.Sprintf("%s `%s`: %s error: %v", e.Op, e.Key, kind, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// `IsTerminal()` reports whether the error chain contains a terminal
// `TransferError`.
func IsTerminal(err error) bool {
	return errorsx.IsPred(err, func(e error) bool {
		terr, ok := e.(*TransferError)
		return ok && terr.Terminal
	})
}
