package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// BucketConfig configures a JetStream KV bucket.
type BucketConfig struct {
	Name     string
	History  uint8
	TTL      time.Duration
	Replicas int
}

// JetStreamStore is a Store backed by a JetStream key-value bucket.
type JetStreamStore struct {
	kv     jetstream.KeyValue
	bucket string
	logger *zap.Logger
}

// NewJetStreamStore opens (creating if needed) the bucket described by cfg.
func NewJetStreamStore(ctx context.Context, nc *nats.Conn, cfg BucketConfig, logger *zap.Logger) (*JetStreamStore, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if cfg.Name == "" {
		return nil, errors.New("bucket name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}

	kvCfg := jetstream.KeyValueConfig{
		Bucket:   cfg.Name,
		History:  cfg.History,
		TTL:      cfg.TTL,
		Replicas: cfg.Replicas,
	}
	if kvCfg.History == 0 {
		kvCfg.History = 1
	}
	if kvCfg.Replicas == 0 {
		kvCfg.Replicas = 1
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, kvCfg)
	if err != nil {
		return nil, unavailable(fmt.Errorf("opening bucket %s: %w", cfg.Name, err))
	}

	logger.Info("kv bucket ready",
		zap.String("bucket", cfg.Name),
		zap.Uint8("history", kvCfg.History),
		zap.Int("replicas", kvCfg.Replicas),
	)

	return &JetStreamStore{kv: kv, bucket: cfg.Name, logger: logger}, nil
}

// Bucket returns the bucket name.
func (s *JetStreamStore) Bucket() string {
	return s.bucket
}

// Get implements Store.
func (s *JetStreamStore) Get(ctx context.Context, key string) (*Entry, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	e, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, ErrNotFound
		}
		return nil, unavailable(err)
	}
	return &Entry{Key: e.Key(), Value: e.Value(), Revision: e.Revision()}, nil
}

// Create implements Store.
func (s *JetStreamStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	rev, err := s.kv.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) || isWrongLastSequence(err) {
			return 0, ErrKeyExists
		}
		return 0, unavailable(err)
	}
	return rev, nil
}

// Update implements Store.
func (s *JetStreamStore) Update(ctx context.Context, key string, value []byte, lastRevision uint64) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	rev, err := s.kv.Update(ctx, key, value, lastRevision)
	if err != nil {
		if isWrongLastSequence(err) || errors.Is(err, jetstream.ErrKeyExists) {
			return 0, ErrRevisionMismatch
		}
		return 0, unavailable(err)
	}
	return rev, nil
}

// Delete implements Store.
func (s *JetStreamStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, key); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return unavailable(err)
	}
	return nil
}

// Keys implements Store.
func (s *JetStreamStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	filter := ">"
	if prefix != "" {
		filter = strings.TrimSuffix(prefix, ".") + ".>"
	}

	lister, err := s.kv.ListKeysFiltered(ctx, filter)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, unavailable(err)
	}
	defer func() {
		_ = lister.Stop()
	}()

	keys := make([]string, 0)
	for {
		select {
		case <-ctx.Done():
			return nil, unavailable(ctx.Err())
		case k, ok := <-lister.Keys():
			if !ok {
				return keys, nil
			}
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
	}
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return false
}

// unavailable classifies transport failures and deadline expiry as ErrUnavailable.
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
