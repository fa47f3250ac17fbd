package scraper

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bakape/liveupdate/common"
	"github.com/boltdb/bolt"
	"github.com/go-playground/log"
)

var embedBucket = []byte("embeds")

type cacheEntry struct {
	Expires int64               `json:"expires"`
	Object  *common.MediaObject `json:"object"`
}

// EmbedCache persists scraping results keyed by URL on local disk, so
// repeatedly posted links are not fetched again
type EmbedCache struct {
	db  *bolt.DB
	ttl time.Duration

	// Overridable for tests
	now func() time.Time
}

// OpenEmbedCache opens or creates the cache file at path. Entries expire
// after ttl.
func OpenEmbedCache(path string, ttl time.Duration) (c *EmbedCache, err error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(embedBucket)
		return err
	})
	if err != nil {
		db.Close()
		return
	}
	c = &EmbedCache{
		db:  db,
		ttl: ttl,
		now: time.Now,
	}
	return
}

// Close the underlying database file
func (c *EmbedCache) Close() error {
	return c.db.Close()
}

// Get a cached result. ok is false on a miss or expired entry. A cached nil
// object records the URL as not embeddable.
func (c *EmbedCache) Get(url string) (obj *common.MediaObject, ok bool, err error) {
	var entry cacheEntry
	err = c.db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(embedBucket).Get([]byte(url))
		if buf == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(buf, &entry)
	})
	if err != nil || !ok {
		return nil, false, err
	}
	if c.now().Unix() >= entry.Expires {
		return nil, false, nil
	}
	return entry.Object, true, nil
}

// Set caches a scraping result
func (c *EmbedCache) Set(url string, obj *common.MediaObject) error {
	buf, err := json.Marshal(cacheEntry{
		Expires: c.now().Add(c.ttl).Unix(),
		Object:  obj,
	})
	if err != nil {
		return err
	}
	return c.db.Batch(func(tx *bolt.Tx) error {
		return tx.Bucket(embedBucket).Put([]byte(url), buf)
	})
}

// Evict deletes all expired entries and returns their count
func (c *EmbedCache) Evict() (n int, err error) {
	now := c.now().Unix()
	err = c.db.Update(func(tx *bolt.Tx) error {
		buc := tx.Bucket(embedBucket)
		var expired [][]byte
		err := buc.ForEach(func(k, v []byte) error {
			var entry cacheEntry
			if err := json.Unmarshal(v, &entry); err != nil ||
				now >= entry.Expires {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := buc.Delete(k); err != nil {
				return err
			}
		}
		n = len(expired)
		return nil
	})
	return
}

// Cached wraps a Scraper with c. Failed scrapes are not cached.
func (c *EmbedCache) Cached(s Scraper) Scraper {
	return cachedScraper{
		cache:   c,
		scraper: s,
	}
}

type cachedScraper struct {
	cache   *EmbedCache
	scraper Scraper
}

func (c cachedScraper) Scrape(ctx context.Context, url string) (
	*common.MediaObject, error,
) {
	obj, ok, err := c.cache.Get(url)
	switch {
	case err != nil:
		log.WithFields(log.F("url", url)).Warnf("embed cache: %s", err)
	case ok:
		return obj, nil
	}

	obj, err = c.scraper.Scrape(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(url, obj); err != nil {
		log.WithFields(log.F("url", url)).Warnf("embed cache: %s", err)
	}
	return obj, nil
}
