package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	netUrl "net/url"
	"os"
	"sync"

	"github.com/IliaW/policy-gate/config"
	"github.com/IliaW/policy-gate/internal/model"
	"github.com/bradfitz/gomemcache/memcache"
)

var (
	ThresholdReachedError = errors.New("threshold reached")
)

type CachedClient interface {
	GetDecision(url, agent string) *model.Decision
	SaveDecision(*model.Decision)
	IncrementThreshold(string) error
	Close()
}

type MemcachedClient struct {
	client *memcache.Client
	cfg    *config.CacheConfig
	mu     sync.Mutex
}

func NewMemcachedClient(cacheConfig *config.CacheConfig) *MemcachedClient {
	slog.Info("connecting to memcached...")
	ss := new(memcache.ServerList)
	err := ss.SetServers(cacheConfig.Servers...)
	if err != nil {
		slog.Error("failed to set memcached servers.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	c := &MemcachedClient{
		client: memcache.NewFromSelector(ss),
		cfg:    cacheConfig,
	}
	slog.Info("pinging the memcached.")
	err = c.client.Ping()
	if err != nil {
		slog.Error("connection to the memcached is failed.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	slog.Info("connected to memcached!")

	return c
}

// GetDecision returns the cached decision for the url and agent, or nil on a
// miss. A cached decision belongs to the snapshot it was evaluated against;
// the caller decides whether a stale snapshot id still serves.
func (mc *MemcachedClient) GetDecision(url, agent string) *model.Decision {
	key := decisionKey(url, agent)
	it, err := mc.client.Get(key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			slog.Debug("cache not found.", slog.String("key", key))
			return nil
		}
		slog.Error("failed to get cached decision.", slog.String("key", key),
			slog.String("err", err.Error()))
		return nil
	}

	var d model.Decision
	if err = json.Unmarshal(it.Value, &d); err != nil {
		slog.Warn("cache found but the value is not a decision.", slog.String("key", key),
			slog.String("err", err.Error()))
		return nil
	}

	return &d
}

func (mc *MemcachedClient) SaveDecision(d *model.Decision) {
	key := decisionKey(d.URL, d.UserAgent)
	err := mc.set(key, d, int32((mc.cfg.TtlForDecision).Seconds()))
	if err != nil {
		slog.Error("failed to cache the decision.", slog.String("url", d.URL),
			slog.String("err", err.Error()))
		return
	}
	slog.Debug("decision cached.", slog.String("key", key))
}

func (mc *MemcachedClient) IncrementThreshold(url string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	slog.Debug("increment the threshold.")
	key := mc.generateDomainHash(url)
	value, err := mc.client.Increment(key, 0) // returns current value
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			slog.Debug("cache not found. Creating new threshold.", slog.String("url", url))
			err = mc.set(key, 1, int32((mc.cfg.TtlForThreshold).Seconds()))
			if err != nil {
				slog.Error("failed to create new counter for the domain.", slog.String("url", url),
					slog.String("err", err.Error()))
				return err
			}
			slog.Debug("new counter is created.", slog.String("url", url), slog.String("key", key),
				slog.Uint64("value", 1))
			return nil
		} else {
			slog.Error("failed to increment the threshold.", slog.String("url", url),
				slog.String("key", key), slog.String("err", err.Error()))
			return err
		}
	}
	if value > mc.cfg.Threshold {
		slog.Info("threshold reached.", slog.String("url", url))
		return ThresholdReachedError
	}
	value, err = mc.client.Increment(key, 1)
	slog.Debug("new value is set.", slog.String("key", key), slog.Uint64("value", value))
	return nil
}

func (mc *MemcachedClient) Close() {
	slog.Info("closing memcached connection.")
	err := mc.client.Close()
	if err != nil {
		slog.Error("failed to close memcached connection.", slog.String("err", err.Error()))
	}
}

func (mc *MemcachedClient) set(key string, value any, expiration int32) error {
	byteValue, err := json.Marshal(value)
	if err != nil {
		slog.Error("failed to marshal value.", slog.String("err", err.Error()))
		return err
	}
	item := &memcache.Item{
		Key:        key,
		Value:      byteValue,
		Expiration: expiration,
	}

	return mc.client.Set(item)
}

func (mc *MemcachedClient) generateDomainHash(url string) string {
	u, err := netUrl.Parse(url)
	var key string
	if err != nil {
		slog.Error("failed to parse url. Use full url as a key.", slog.String("url", url),
			slog.String("err", err.Error()))
		key = fmt.Sprintf("%s-1m-check", hash(url))
	} else {
		key = fmt.Sprintf("%s-1m-check", hash(u.Host))
		slog.Debug("", slog.String("key:", key))
	}

	return key
}

func decisionKey(url, agent string) string {
	return hash(agent + "|" + url)
}

func hash(s string) string {
	h := sha256.New()
	h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil))
}
