// Package test contains utility functions used throughout the project in tests
package test

import (
	"os"
	"reflect"
	"testing"
	"time"
)

// LogUnexpected fails the test and prints the values in an
// `expected: X got: Y` format
func LogUnexpected(t *testing.T, expected, got interface{}) {
	t.Helper()
	t.Fatalf("\nexpected: %#v\ngot:      %#v", expected, got)
}

// AssertEquals asserts two comparable values are equal or fails the test
func AssertEquals(t *testing.T, res, std interface{}) {
	t.Helper()
	if res != std {
		LogUnexpected(t, std, res)
	}
}

// AssertDeepEquals aserts two values are deeply equal or fails the test, if
// not
func AssertDeepEquals(t *testing.T, res, std interface{}) {
	t.Helper()
	if !reflect.DeepEqual(res, std) {
		LogUnexpected(t, std, res)
	}
}

// UnexpectedError fails the test with an unexecpted error message
func UnexpectedError(t *testing.T, err error) {
	t.Helper()
	t.Fatalf("unexpected error: %#v", err)
}

// AssertNoError fails the test, if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		UnexpectedError(t, err)
	}
}

// ReadTimeout reads one value from ch or fails the test after timeout
func ReadTimeout(t *testing.T, ch <-chan []byte, timeout time.Duration) []byte {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

// AssertNothing fails the test, if a value is received from ch during wait
func AssertNothing(t *testing.T, ch <-chan []byte, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message: %s", msg)
	case <-time.After(wait):
	}
}

// DatabaseURL returns the connection URL of the integration test database or
// skips the test, if none is configured
func DatabaseURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("LIVEUPDATE_TEST_DB")
	if url == "" {
		t.Skip("LIVEUPDATE_TEST_DB not set")
	}
	return url
}
