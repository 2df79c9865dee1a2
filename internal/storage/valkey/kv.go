// Package valkey implements storage.KV on a Valkey (or Redis) server.
package valkey

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/valkey-io/valkey-go"

	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/storage"
)

// KV stores each key as a plain string value under an optional prefix.
type KV struct {
	client valkey.Client
	prefix string
	log    zerolog.Logger
}

// NewKV connects to addr. prefix namespaces every key, e.g. "chat:".
func NewKV(addr, prefix string, log zerolog.Logger) (*KV, error) {
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{addr}})
	if err != nil {
		return nil, errors.Wrap(err, "valkey.NewKV.NewClient")
	}

	log.Info().Str("addr", addr).Msg("connected to valkey")
	return &KV{client: client, prefix: prefix, log: log}, nil
}

func (s *KV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.client.Do(ctx, s.client.B().Get().Key(s.prefix+key).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(storage.ErrUnavailable, "valkey get %s: %v", key, err)
	}
	return b, true, nil
}

func (s *KV) Set(ctx context.Context, key string, value []byte) error {
	cmd := s.client.B().Set().Key(s.prefix + key).Value(valkey.BinaryString(value)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return errors.Wrapf(storage.ErrUnavailable, "valkey set %s: %v", key, err)
	}
	return nil
}

func (s *KV) Delete(ctx context.Context, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.prefix+key).Build()).Error(); err != nil {
		return errors.Wrapf(storage.ErrUnavailable, "valkey del %s: %v", key, err)
	}
	return nil
}

// Close closes the underlying client.
func (s *KV) Close() {
	s.client.Close()
}
