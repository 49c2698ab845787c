package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang/snappy"
	"github.com/rs/zerolog"
)

var errRedisDisabled = errors.New("redis temporarily disabled")

type RedisStoreOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable
	// ClientCloser closes Client when RedisStore.Close is called.
	// Optional.
	ClientCloser interface{ Close() error }
	// Prefix is prepended to every redis key. Default is "ocache:".
	Prefix string
	// ClientTimeout specifies the timeout for read and write operations.
	// Default is one second.
	ClientTimeout time.Duration
	// Logger to use. Logging is disabled if nil.
	Logger *zerolog.Logger
}

func (opts *RedisStoreOpts) init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	if opts.Prefix == "" {
		opts.Prefix = "ocache:"
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = time.Second
	}
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}
	return nil
}

// RedisStore keeps the collection index in a sorted set (scored by creation time)
// and each collection in its own hash. Values are snappy compressed.
type RedisStore struct {
	opts           RedisStoreOpts
	clientDisabled *uint32
}

func NewRedisStore(opts RedisStoreOpts) (RedisStore, error) {
	if err := opts.init(); err != nil {
		return RedisStore{}, err
	}
	return RedisStore{opts: opts, clientDisabled: new(uint32)}, nil
}

// putIfPresent writes field/value pairs only if the collection is still indexed.
var putIfPresent = redis.NewScript(`
if redis.call("ZSCORE", KEYS[1], ARGV[1]) == false then
	return 0
end
for i = 2, #ARGV, 2 do
	redis.call("HSET", KEYS[2], ARGV[i], ARGV[i + 1])
end
return 1
`)

func (r RedisStore) indexKey() string {
	return r.opts.Prefix + "collections"
}

func (r RedisStore) collectionKey(name string) string {
	return r.opts.Prefix + "c:" + name
}

func (r RedisStore) disabled() bool {
	return atomic.LoadUint32(r.clientDisabled) != 0
}

// check disables the client on errors other than redis.Nil
// and pings it with a backoff until it answers again.
func (r RedisStore) check(err error) error {
	if err == nil || err == redis.Nil {
		return err
	}
	if atomic.CompareAndSwapUint32(r.clientDisabled, 0, 1) {
		r.opts.Logger.Warn().Err(err).Msg("Redis temporarily disabled")
		go func() {
			const maxBackoff = time.Second * 30
			backoff := time.Millisecond * 100
			for {
				time.Sleep(backoff)
				ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
				err := r.opts.Client.Ping(ctx).Err()
				cancel()
				if err != nil {
					if backoff >= maxBackoff {
						backoff = maxBackoff
					} else {
						backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
					}
					r.opts.Logger.Warn().Err(err).Dur("nextPing", backoff).Msg("Redis ping failed")
					continue
				}
				atomic.StoreUint32(r.clientDisabled, 0)
				return
			}
		}()
	}
	return err
}

func (r RedisStore) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, r.opts.ClientTimeout)
}

func (r RedisStore) Open(ctx context.Context, name string) (Collection, error) {
	if r.disabled() {
		return nil, errRedisDisabled
	}
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	err := r.opts.Client.ZAddNX(ctx, r.indexKey(), &redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: name,
	}).Err()
	if err := r.check(err); err != nil {
		return nil, err
	}
	return redisCollection{r, name}, nil
}

func (r RedisStore) Has(ctx context.Context, name string) (bool, error) {
	if r.disabled() {
		return false, errRedisDisabled
	}
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	err := r.check(r.opts.Client.ZScore(ctx, r.indexKey(), name).Err())
	if err == redis.Nil {
		return false, nil
	}
	return err == nil, err
}

func (r RedisStore) Delete(ctx context.Context, name string) (bool, error) {
	if r.disabled() {
		return false, errRedisDisabled
	}
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	var removed *redis.IntCmd
	_, err := r.opts.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, r.indexKey(), name)
		pipe.Del(ctx, r.collectionKey(name))
		return nil
	})
	if err := r.check(err); err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (r RedisStore) Names(ctx context.Context) ([]string, error) {
	if r.disabled() {
		return nil, errRedisDisabled
	}
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	names, err := r.opts.Client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	return names, r.check(err)
}

func (r RedisStore) Close() error {
	if r.opts.ClientCloser != nil {
		return r.opts.ClientCloser.Close()
	}
	return nil
}

type redisCollection struct {
	r    RedisStore
	name string
}

func (c redisCollection) Name() string {
	return c.name
}

func (c redisCollection) Match(ctx context.Context, key string) ([]byte, bool, error) {
	if c.r.disabled() {
		return nil, false, errRedisDisabled
	}
	ctx, cancel := c.r.ctx(ctx)
	defer cancel()
	b, err := c.r.opts.Client.HGet(ctx, c.r.collectionKey(c.name), key).Bytes()
	if err := c.r.check(err); err == redis.Nil {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	_, v, err := unpackRedisValue(b)
	if err != nil {
		c.r.opts.Logger.Warn().Err(err).Str("key", key).Msg("Redis data unpack error")
		return nil, false, err
	}
	return v, true, nil
}

func (c redisCollection) Put(ctx context.Context, key string, bytes []byte) error {
	return c.PutAll(ctx, []Entry{{Key: key, StoredAt: time.Now(), Bytes: bytes}})
}

func (c redisCollection) PutAll(ctx context.Context, entries []Entry) error {
	if c.r.disabled() {
		return errRedisDisabled
	}
	ctx, cancel := c.r.ctx(ctx)
	defer cancel()
	args := make([]interface{}, 0, 1+2*len(entries))
	args = append(args, c.name)
	for _, e := range entries {
		args = append(args, e.Key, packRedisValue(e.StoredAt, e.Bytes))
	}
	written, err := putIfPresent.Run(ctx, c.r.opts.Client,
		[]string{c.r.indexKey(), c.r.collectionKey(c.name)}, args...).Int()
	if err := c.r.check(err); err != nil {
		return err
	}
	if written == 0 {
		return ErrNoSuchCollection
	}
	return nil
}

func (c redisCollection) Delete(ctx context.Context, key string) error {
	if c.r.disabled() {
		return errRedisDisabled
	}
	ctx, cancel := c.r.ctx(ctx)
	defer cancel()
	return c.r.check(c.r.opts.Client.HDel(ctx, c.r.collectionKey(c.name), key).Err())
}

func (c redisCollection) Keys(ctx context.Context, cb func(string)) error {
	if c.r.disabled() {
		return errRedisDisabled
	}
	ctx, cancel := c.r.ctx(ctx)
	defer cancel()
	keys, err := c.r.opts.Client.HKeys(ctx, c.r.collectionKey(c.name)).Result()
	if err := c.r.check(err); err != nil {
		return err
	}
	for _, key := range keys {
		cb(key)
	}
	return nil
}

// packRedisValue stores the unix time of the write followed by the snappy compressed bytes.
func packRedisValue(storedAt time.Time, v []byte) []byte {
	buf := make([]byte, 8, 8+snappy.MaxEncodedLen(len(v)))
	binary.BigEndian.PutUint64(buf, uint64(storedAt.Unix()))
	return append(buf, snappy.Encode(nil, v)...)
}

func unpackRedisValue(b []byte) (time.Time, []byte, error) {
	if len(b) < 8 {
		return time.Time{}, nil, errors.New("b is too short")
	}
	storedAt := time.Unix(int64(binary.BigEndian.Uint64(b[:8])), 0)
	v, err := snappy.Decode(nil, b[8:])
	if err != nil {
		return time.Time{}, nil, err
	}
	return storedAt, v, nil
}
