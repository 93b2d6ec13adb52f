package storage

import "context"

// Storage is durable key/value storage for client-side state that must survive
// process restarts. Implementations must make a completed Set or Remove visible
// to every later Get.
type Storage interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
}
