package dedup

import (
	"container/list"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/topeklc/BSC-BuyBot/internal/model"
)

// Config controls retention and size of the cache.
type Config struct {
	WeakTTL    time.Duration
	StrongTTL  time.Duration
	Bucket     time.Duration
	MaxEntries int
}

// DefaultConfig returns the standard retention windows.
func DefaultConfig() Config {
	return Config{
		WeakTTL:    60 * time.Second,
		StrongTTL:  10 * time.Minute,
		Bucket:     10 * time.Second,
		MaxEntries: 1000,
	}
}

type entry struct {
	key string
	at  time.Time
}

// Cache suppresses repeated deliveries of the same buy. Strong keys are
// transaction hashes; weak keys combine wallet, token and amounts or a coarse
// time bucket. Each generation is kept in insertion order so expiry and
// overflow eviction both pop from the front.
type Cache struct {
	mu     sync.Mutex
	cfg    Config
	strong *list.List
	weak   *list.List
	index  map[string]*list.Element
	now    func() time.Time
}

// New builds a Cache. Zero config fields take their defaults.
func New(cfg Config) *Cache {
	def := DefaultConfig()
	if cfg.WeakTTL <= 0 {
		cfg.WeakTTL = def.WeakTTL
	}
	if cfg.StrongTTL <= 0 {
		cfg.StrongTTL = def.StrongTTL
	}
	if cfg.Bucket <= 0 {
		cfg.Bucket = def.Bucket
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	return &Cache{
		cfg:    cfg,
		strong: list.New(),
		weak:   list.New(),
		index:  make(map[string]*list.Element),
		now:    time.Now,
	}
}

// IsDuplicate reports whether ev was already seen and records it otherwise.
// Check and insert happen under one lock.
func (c *Cache) IsDuplicate(ev model.BuyEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweep(now)

	strong := ""
	if ev.TxHash != "" {
		strong = "tx:" + strings.ToLower(ev.TxHash)
	}
	weak := c.weakKeys(ev, now)

	if strong != "" {
		if _, ok := c.index[strong]; ok {
			return true
		}
	}
	for _, key := range weak {
		if _, ok := c.index[key]; ok {
			return true
		}
	}

	if strong != "" {
		c.index[strong] = c.strong.PushBack(entry{key: strong, at: now})
	}
	for _, key := range weak {
		c.index[key] = c.weak.PushBack(entry{key: key, at: now})
	}
	c.enforceCap()
	return false
}

// Len returns the number of live keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *Cache) weakKeys(ev model.BuyEvent, now time.Time) []string {
	wallet := strings.ToLower(ev.HolderWallet)
	token := strings.ToLower(ev.GotToken.Address)
	bucket := now.UnixNano() / int64(c.cfg.Bucket)
	return []string{
		"w:" + wallet + "|" + token + "|" + formatAmount(ev.GotToken.Amount) + "|" + formatAmount(ev.SpentToken.Amount),
		"w:" + wallet + "|" + token + "|b" + strconv.FormatInt(bucket, 10),
	}
}

func (c *Cache) sweep(now time.Time) {
	c.expire(c.strong, now.Add(-c.cfg.StrongTTL))
	c.expire(c.weak, now.Add(-c.cfg.WeakTTL))
}

func (c *Cache) expire(l *list.List, cutoff time.Time) {
	for el := l.Front(); el != nil; el = l.Front() {
		if !el.Value.(entry).at.Before(cutoff) {
			return
		}
		c.remove(l, el)
	}
}

// enforceCap evicts the oldest entries across both generations.
func (c *Cache) enforceCap() {
	for len(c.index) > c.cfg.MaxEntries {
		s, w := c.strong.Front(), c.weak.Front()
		switch {
		case s == nil && w == nil:
			return
		case w == nil:
			c.remove(c.strong, s)
		case s == nil:
			c.remove(c.weak, w)
		case s.Value.(entry).at.After(w.Value.(entry).at):
			c.remove(c.weak, w)
		default:
			c.remove(c.strong, s)
		}
	}
}

func (c *Cache) remove(l *list.List, el *list.Element) {
	e := l.Remove(el).(entry)
	if cur, ok := c.index[e.key]; ok && cur == el {
		delete(c.index, e.key)
	}
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
