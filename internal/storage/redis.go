package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/photomarket/entitlements-go/internal/model"
)

// Key layout. The hash tag keeps all keys of one purchase in the same cluster slot
// so the scripts below can touch them together.
//
//	ent:purchase:{id}            canonical record JSON (immutable)
//	ent:purchase:{id}:limits     hash productId -> quantityPurchased
//	ent:purchase:{id}:downloads  hash productId -> quantityDownloaded
//	ent:contact:<contact>        sorted set of purchase ids scored by createdAt millis
const (
	purchaseKeyPrefix = "ent:purchase:"
	contactKeyPrefix  = "ent:contact:"
	maxContactResults = 100
)

// createScript writes the record, its ceilings, and zeroed counters only if the
// record key is absent.
var createScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
for i = 3, #ARGV, 2 do
  redis.call('HSET', KEYS[2], ARGV[i], ARGV[i + 1])
  redis.call('HSET', KEYS[3], ARGV[i], 0)
end
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
  redis.call('PEXPIRE', KEYS[2], ttl)
  redis.call('PEXPIRE', KEYS[3], ttl)
end
return 1
`)

// incrementScript returns {status, purchased, downloaded}:
// 1 incremented, 0 at ceiling, -1 no purchase, -2 no such product, -3 legacy record without counters.
var incrementScript = goredis.NewScript(`
local limit = redis.call('HGET', KEYS[2], ARGV[1])
if not limit then
  if redis.call('EXISTS', KEYS[1]) == 0 then
    return {-1, 0, 0}
  end
  if redis.call('EXISTS', KEYS[2]) == 0 then
    return {-3, 0, 0}
  end
  return {-2, 0, 0}
end
limit = tonumber(limit)
local used = tonumber(redis.call('HGET', KEYS[3], ARGV[1]) or '0')
if used < limit then
  used = redis.call('HINCRBY', KEYS[3], ARGV[1], 1)
  return {1, limit, used}
end
return {0, limit, used}
`)

// upgradeScript seeds counters for a record written by an older writer.
// HSETNX keeps whichever upgrade ran first.
var upgradeScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
for i = 1, #ARGV, 3 do
  redis.call('HSETNX', KEYS[2], ARGV[i], ARGV[i + 1])
  redis.call('HSETNX', KEYS[3], ARGV[i], ARGV[i + 2])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[2], ttl)
  redis.call('PEXPIRE', KEYS[3], ttl)
end
return 1
`)

// redisStore implements Store on a single logical Redis keyspace.
type redisStore struct {
	client    goredis.UniversalClient
	retention time.Duration
}

// NewRedis wraps an existing client. retention sets a store-level expiry on new
// records; zero keeps them forever.
func NewRedis(client goredis.UniversalClient, retention time.Duration) Store {
	return &redisStore{client: client, retention: retention}
}

// NewRedisFromURL connects to the Redis server at url and verifies the connection.
func NewRedisFromURL(ctx context.Context, url string, retention time.Duration) (Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewRedis(client, retention), nil
}

func recordKey(purchaseID string) string    { return purchaseKeyPrefix + "{" + purchaseID + "}" }
func limitsKey(purchaseID string) string    { return recordKey(purchaseID) + ":limits" }
func downloadsKey(purchaseID string) string { return recordKey(purchaseID) + ":downloads" }
func contactKey(contact string) string      { return contactKeyPrefix + NormalizeContact(contact) }

// Close releases the underlying client
func (r *redisStore) Close() {
	_ = r.client.Close()
}

func (r *redisStore) PutIfAbsent(ctx context.Context, record model.PurchaseRecord) (bool, error) {
	payload, err := encodeRecord(record)
	if err != nil {
		return false, fmt.Errorf("encode purchase: %w", err)
	}

	args := make([]interface{}, 0, 2+2*len(record.LineItems))
	args = append(args, payload, r.retention.Milliseconds())
	for _, item := range record.LineItems {
		args = append(args, item.ProductID, item.QuantityPurchased)
	}

	keys := []string{recordKey(record.PurchaseID), limitsKey(record.PurchaseID), downloadsKey(record.PurchaseID)}
	created, err := createScript.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return false, unavailable("put purchase", err)
	}

	// The contact index is best-effort. ZADD NX keeps the first score, so a
	// redelivered event repairs a missing entry without reordering.
	if contact := NormalizeContact(record.CustomerContact); contact != "" {
		key := contactKey(contact)
		_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.ZAddNX(ctx, key, goredis.Z{Score: float64(record.CreatedAt.UnixMilli()), Member: record.PurchaseID})
			if r.retention > 0 {
				pipe.PExpire(ctx, key, r.retention)
			}
			return nil
		})
		if err != nil {
			slog.Warn("failed to index purchase by contact", "purchase_id", record.PurchaseID, "error", err)
		}
	}

	return created == 1, nil
}

func (r *redisStore) Get(ctx context.Context, purchaseID string) (*model.PurchaseRecord, error) {
	var rawCmd *goredis.StringCmd
	var countsCmd *goredis.MapStringStringCmd

	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		rawCmd = pipe.Get(ctx, recordKey(purchaseID))
		countsCmd = pipe.HGetAll(ctx, downloadsKey(purchaseID))
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, unavailable("get purchase", err)
	}

	raw, err := rawCmd.Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrNotFound
		}
		return nil, unavailable("get purchase", err)
	}

	record, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}

	counts := countsCmd.Val()
	for i := range record.LineItems {
		item := &record.LineItems[i]
		if v, ok := counts[item.ProductID]; ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("decode download counter for %s/%s: %w", purchaseID, item.ProductID, err)
			}
			item.QuantityDownloaded = n
		}
	}
	return &record, nil
}

func (r *redisStore) ConditionalIncrement(ctx context.Context, purchaseID, productID string) (model.IncrementResult, error) {
	keys := []string{recordKey(purchaseID), limitsKey(purchaseID), downloadsKey(purchaseID)}

	for attempt := 0; attempt < 2; attempt++ {
		vals, err := incrementScript.Run(ctx, r.client, keys, productID).Int64Slice()
		if err != nil {
			return model.IncrementResult{}, unavailable("increment download", err)
		}
		if len(vals) != 3 {
			return model.IncrementResult{}, fmt.Errorf("increment download: unexpected script reply %v", vals)
		}

		switch vals[0] {
		case 1, 0:
			return model.IncrementResult{
				Incremented:        vals[0] == 1,
				QuantityPurchased:  int(vals[1]),
				QuantityDownloaded: int(vals[2]),
			}, nil
		case -1:
			return model.IncrementResult{}, ErrNotFound
		case -2:
			return model.IncrementResult{}, ErrItemNotFound
		case -3:
			if err := r.upgradeLegacy(ctx, purchaseID); err != nil {
				return model.IncrementResult{}, err
			}
		default:
			return model.IncrementResult{}, fmt.Errorf("increment download: unexpected status %d", vals[0])
		}
	}
	return model.IncrementResult{}, fmt.Errorf("increment download: legacy record %s could not be upgraded", purchaseID)
}

// upgradeLegacy moves the ceilings and counters embedded in an old record shape
// into the counter hashes used by incrementScript.
func (r *redisStore) upgradeLegacy(ctx context.Context, purchaseID string) error {
	raw, err := r.client.Get(ctx, recordKey(purchaseID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return ErrNotFound
		}
		return unavailable("read legacy purchase", err)
	}
	record, err := decodeRecord(raw)
	if err != nil {
		return err
	}

	args := make([]interface{}, 0, 3*len(record.LineItems))
	for _, item := range record.LineItems {
		args = append(args, item.ProductID, item.QuantityPurchased, item.QuantityDownloaded)
	}
	keys := []string{recordKey(purchaseID), limitsKey(purchaseID), downloadsKey(purchaseID)}
	if err := upgradeScript.Run(ctx, r.client, keys, args...).Err(); err != nil {
		return unavailable("upgrade legacy purchase", err)
	}
	slog.Info("upgraded legacy purchase record", "purchase_id", purchaseID, "items", len(record.LineItems))
	return nil
}

func (r *redisStore) PurchaseIDsByContact(ctx context.Context, contact string) ([]string, error) {
	ids, err := r.client.ZRevRange(ctx, contactKey(contact), 0, maxContactResults-1).Result()
	if err != nil {
		return nil, unavailable("list purchases by contact", err)
	}
	return ids, nil
}

func (r *redisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}
