// Package transport carries extracted records from many page contexts to the
// single aggregator. Each (task, source) pair writes once under its own key;
// the aggregator is notified of the write and consumes the value exactly once.
package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/use-agent/fusion/models"
)

// KeyPrefix starts every transport key.
const KeyPrefix = "result_"

var (
	// ErrAlreadyWritten is returned by Put when the key holds a live value.
	ErrAlreadyWritten = errors.New("transport: key already written")
	// ErrNotFound is returned by Take when the key is absent (expired,
	// purged or already taken).
	ErrNotFound = errors.New("transport: key not found")
	// ErrNotNotified is wrapped by Put when the value was stored but not every
	// watcher could be told. The value stays readable through Take.
	ErrNotNotified = errors.New("transport: value stored, watchers not notified")
)

// Store is the keyed record store shared by all page contexts.
type Store interface {
	// Put writes recs under key and notifies watchers. A key can be written
	// once while it is live. An error wrapping ErrNotNotified means the
	// write itself succeeded.
	Put(ctx context.Context, key string, recs []models.Record) error

	// Take reads and deletes the value under key.
	Take(ctx context.Context, key string) ([]models.Record, error)

	// Watch streams the keys of subsequent writes until ctx is done, then
	// closes the channel. The subscription is active when Watch returns.
	Watch(ctx context.Context) (<-chan string, error)

	// Purge deletes every key starting with prefix and returns how many
	// were removed.
	Purge(ctx context.Context, prefix string) (int, error)

	Close() error
}

// Key returns the transport key for a (task, source) pair. The source id is
// base64url-encoded in full, so distinct sources never share a key.
func Key(taskID, sourceID string) string {
	return TaskPrefix(taskID) + base64.RawURLEncoding.EncodeToString([]byte(sourceID))
}

// TaskPrefix returns the prefix shared by every key of a task.
func TaskPrefix(taskID string) string {
	return KeyPrefix + taskID + "_"
}

// ParseKey splits a key into its task id and source id. Task ids must not
// contain underscores; generated ids never do.
func ParseKey(key string) (taskID, sourceID string, ok bool) {
	rest, found := strings.CutPrefix(key, KeyPrefix)
	if !found {
		return "", "", false
	}
	taskID, enc, found := strings.Cut(rest, "_")
	if !found || taskID == "" || enc == "" {
		return "", "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return "", "", false
	}
	return taskID, string(raw), true
}
