package debounce

import (
	"sort"
	"sync"
	"time"
)

// Keys used by a session. Each key owns one pending slot.
const (
	KeySendAmount          = "send-amount"
	KeyReceiveAmount       = "receive-amount"
	KeySelection           = "selection"
	KeyAccountName         = "account-name"
	KeyBankAccountNumber   = "bank-account-number"
	KeyEmail               = "email"
	KeyWalletAddressPrompt = "wallet-address-prompt"
)

type slot struct {
	timer *time.Timer
}

// Coordinator runs the last call scheduled under a key once the key has
// been quiet for the call's delay. Scheduling replaces any pending call
// under the same key, and a replaced call never runs.
type Coordinator struct {
	mu     sync.Mutex
	slots  map[string]*slot
	closed bool
}

func New() *Coordinator {
	return &Coordinator{slots: map[string]*slot{}}
}

func (c *Coordinator) Schedule(key string, delay time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if prev, ok := c.slots[key]; ok {
		prev.timer.Stop()
	}
	s := &slot{}
	s.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.slots[key] != s {
			// replaced or cancelled after the timer already fired
			c.mu.Unlock()
			return
		}
		delete(c.slots, key)
		c.mu.Unlock()
		fn()
	})
	c.slots[key] = s
}

// Cancel drops the pending call under key. It reports whether one existed.
func (c *Coordinator) Cancel(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[key]
	if !ok {
		return false
	}
	s.timer.Stop()
	delete(c.slots, key)
	return true
}

// CancelAll drops every pending call but keeps the coordinator usable.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, s := range c.slots {
		s.timer.Stop()
		delete(c.slots, key)
	}
}

func (c *Coordinator) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.slots))
	for k := range c.slots {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close cancels everything. Later Schedule calls are ignored.
func (c *Coordinator) Close() {
	c.CancelAll()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
