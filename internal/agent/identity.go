package agent

import (
	"context"
	"fmt"

	"github.com/basket/goprobe/internal/bus"
	"github.com/basket/goprobe/internal/persistence"
)

// KV is the durable storage the identity lives in.
type KV interface {
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, val string) error
	KVDelete(ctx context.Context, key string) error
}

// Identity is the persisted node key. An empty key means not enrolled.
type Identity struct {
	kv  KV
	bus *bus.Bus
}

func NewIdentity(kv KV, b *bus.Bus) *Identity {
	return &Identity{kv: kv, bus: b}
}

func (i *Identity) Get(ctx context.Context) (string, error) {
	key, err := i.kv.KVGet(ctx, persistence.KeyNodeKey)
	if err != nil {
		return "", fmt.Errorf("read node key: %w", err)
	}
	return key, nil
}

// Set persists key, replacing any previous one.
func (i *Identity) Set(ctx context.Context, key string) error {
	if err := i.kv.KVSet(ctx, persistence.KeyNodeKey, key); err != nil {
		return fmt.Errorf("persist node key: %w", err)
	}
	return nil
}

// Clear drops the node key. It is called when the server reports the key
// invalid, and is installed as the client's node_invalid hook.
func (i *Identity) Clear(ctx context.Context) error {
	if err := i.kv.KVDelete(ctx, persistence.KeyNodeKey); err != nil {
		return fmt.Errorf("clear node key: %w", err)
	}
	i.bus.Publish(bus.TopicIdentityCleared, bus.IdentityEvent{Reason: "node_invalid"})
	return nil
}
