package indexwork

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/alfredjeanlab/indexsync/internal/retry"
)

// LogBackend only logs the work it receives.
type LogBackend struct {
	Logger *slog.Logger
}

func (b *LogBackend) Apply(_ context.Context, w Work) error {
	b.Logger.Info("index: apply", "entity", w.Entity, "id", w.ID, "op", w.Op, "fields", len(w.Document))
	return nil
}

func (b *LogBackend) Close() error { return nil }

// S3Backend stores each document as a JSON object under prefix/entity/id.json
// in an S3-compatible bucket.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Backend creates an S3 backend. If endpoint is non-empty, path-style
// addressing is enabled (for MinIO and similar).
func NewS3Backend(ctx context.Context, bucket, prefix, region, endpoint string) (*S3Backend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3opts []func(*s3.Options)
	if endpoint != "" {
		s3opts = append(s3opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}
	return &S3Backend{client: s3.NewFromConfig(cfg, s3opts...), bucket: bucket, prefix: prefix}, nil
}

// Key returns the object key of an entity.
func (b *S3Backend) Key(entity, id string) string {
	return b.prefix + entity + "/" + id + ".json"
}

func (b *S3Backend) Apply(ctx context.Context, w Work) error {
	key := b.Key(w.Entity, w.ID)
	if w.Op == OpDelete {
		if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		}); err != nil {
			return fmt.Errorf("s3 delete object %s: %w", key, err)
		}
		return nil
	}

	data, err := json.Marshal(w.Document)
	if err != nil {
		return retry.Permanent(fmt.Errorf("encode document %s/%s: %w", w.Entity, w.ID, err))
	}
	if _, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return fmt.Errorf("s3 put object %s: %w", key, err)
	}
	return nil
}

func (b *S3Backend) Close() error { return nil }

// RedisBackend keeps each document as a JSON string at prefix+entity:id.
type RedisBackend struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// NewRedisBackend connects to the redis:// URL and checks the connection.
func NewRedisBackend(ctx context.Context, url, prefix string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisBackendFromClient(client, prefix), nil
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix, timeout: 5 * time.Second}
}

// Key returns the redis key of an entity.
func (b *RedisBackend) Key(entity, id string) string {
	return b.prefix + entity + ":" + id
}

func (b *RedisBackend) Apply(ctx context.Context, w Work) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	key := b.Key(w.Entity, w.ID)
	if w.Op == OpDelete {
		if err := b.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("redis del %s: %w", key, err)
		}
		return nil
	}

	data, err := json.Marshal(w.Document)
	if err != nil {
		return retry.Permanent(fmt.Errorf("encode document %s/%s: %w", w.Entity, w.ID, err))
	}
	if err := b.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// NATSBackend publishes each mutation as JSON on <prefix>.<entity>.<op> for
// a downstream indexer to consume.
type NATSBackend struct {
	conn   *nats.Conn
	prefix string
	owned  bool
}

// NewNATSBackend shares an existing connection; Close leaves it open.
func NewNATSBackend(conn *nats.Conn, prefix string) *NATSBackend {
	return &NATSBackend{conn: conn, prefix: prefix}
}

// DialNATSBackend opens its own connection.
func DialNATSBackend(url, prefix string) (*NATSBackend, error) {
	nc, err := nats.Connect(url, nats.Name("indexsync-index"), nats.MaxReconnects(-1), nats.ReconnectWait(time.Second))
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSBackend{conn: nc, prefix: prefix, owned: true}, nil
}

// Subject returns the subject work for entity and op is published on.
func (b *NATSBackend) Subject(entity string, op Op) string {
	return b.prefix + "." + subjectToken(entity) + "." + string(op)
}

func (b *NATSBackend) Apply(_ context.Context, w Work) error {
	data, err := json.Marshal(w)
	if err != nil {
		return retry.Permanent(fmt.Errorf("encode work %s/%s: %w", w.Entity, w.ID, err))
	}
	if err := b.conn.Publish(b.Subject(w.Entity, w.Op), data); err != nil {
		if errors.Is(err, nats.ErrMaxPayload) {
			return retry.Permanent(err)
		}
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (b *NATSBackend) Close() error {
	if b.owned {
		b.conn.Close()
	}
	return nil
}

// subjectToken makes an entity name safe to use as one NATS subject token.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}
