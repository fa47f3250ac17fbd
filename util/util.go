// Package util contains various general utility functions used throughout
// the project.
package util

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"time"
)

// WrapError wraps error types to create compound error chains
func WrapError(text string, err error) error {
	return wrappedError{
		text:  text,
		inner: err,
	}
}

type wrappedError struct {
	text  string
	inner error
}

func (e wrappedError) Error() string {
	text := e.text
	if e.inner != nil {
		text += ": " + e.inner.Error()
	}
	return text
}

func (e wrappedError) Unwrap() error {
	return e.inner
}

// Waterfall executes a slice of functions until the first error returned. This
// error, if any, is returned to the caller.
func Waterfall(fns ...func() error) (err error) {
	for _, fn := range fns {
		err = fn()
		if err != nil {
			break
		}
	}
	return
}

// Parallel executes functions in parallel and waits for all of them to
// return. The first error received is returned, if any.
func Parallel(fns ...func() error) (err error) {
	ch := make(chan error, len(fns))
	for i := range fns {
		fn := fns[i]
		go func() {
			ch <- fn()
		}()
	}

	for range fns {
		if e := <-ch; e != nil && err == nil {
			err = e
		}
	}
	return
}

// Retry runs fn up to retries+1 times, sleeping backoff multiplied by the
// attempt number between failed attempts. Returns the last error.
func Retry(
	ctx context.Context,
	retries int,
	backoff time.Duration,
	fn func() error,
) (err error) {
	for i := 0; ; i++ {
		err = fn()
		if err == nil || i >= retries {
			return
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff * time.Duration(i+1)):
		}
	}
}

// HashBuffer computes a base64 MD5 hash from a buffer
func HashBuffer(buf []byte) string {
	hash := md5.Sum(buf)
	return base64.RawStdEncoding.EncodeToString(hash[:])
}
