package ports

import "context"

// KeyValueStore is the backing store of the storage capability.
// Every key lives in a namespace; the runtime uses the plugin id.
type KeyValueStore interface {
	Get(ctx context.Context, namespace, key string) (string, bool, error)
	Set(ctx context.Context, namespace, key, value string) error
	Remove(ctx context.Context, namespace, key string) error
	Clear(ctx context.Context, namespace string) error
	Keys(ctx context.Context, namespace string) ([]string, error)
}
