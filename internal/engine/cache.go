package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/receiptsync/internal/metrics"
	"github.com/roach88/receiptsync/internal/model"
)

type cacheEntry struct {
	task    model.SyncTask
	claimed bool
	// rescan records that a matching message arrived while the entry was
	// claimed, so the claimant must look for its target again on release.
	rescan bool
}

// CorrelationCache is the in-memory index of persisted tasks that have not
// been completed, used to find tasks whose target message arrives late.
//
// The cache never mutates messages. A claimed entry is invisible to
// ResolveEarly; at most one goroutine processes a task at a time.
//
// Thread-safety: all methods are safe for concurrent use.
type CorrelationCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	store   TaskStore
}

// NewCorrelationCache creates an empty cache backed by store for removal.
func NewCorrelationCache(store TaskStore) *CorrelationCache {
	return &CorrelationCache{
		entries: make(map[string]*cacheEntry),
		store:   store,
	}
}

// Put adds a task. The task must already be persisted.
func (c *CorrelationCache) Put(task model.SyncTask) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[task.ID]; ok {
		return
	}
	c.entries[task.ID] = &cacheEntry{task: task}
	metrics.CacheSize.Set(float64(len(c.entries)))
}

// Load adds tasks read back from the durable store at startup.
func (c *CorrelationCache) Load(tasks []model.SyncTask) {
	for _, t := range tasks {
		c.Put(t)
	}
}

// Len returns the number of cached tasks, claimed or not.
func (c *CorrelationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Get returns a cached task by id.
func (c *CorrelationCache) Get(id string) (model.SyncTask, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return model.SyncTask{}, false
	}
	return e.task, true
}

// Pending returns every cached task in seq order.
func (c *CorrelationCache) Pending() []model.SyncTask {
	c.mu.Lock()
	out := make([]model.SyncTask, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.task)
	}
	c.mu.Unlock()

	sortBySeq(out)
	return out
}

// Claim marks a task as being processed. It returns false if the task is
// unknown or already claimed.
func (c *CorrelationCache) Claim(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok || e.claimed {
		return false
	}
	e.claimed = true
	e.rescan = false
	return true
}

// Release un-claims a task after Retry or AwaitingTarget. It reports
// whether a matching message arrived while the task was claimed.
func (c *CorrelationCache) Release(id string) (rescan bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return false
	}
	rescan = e.rescan
	e.claimed = false
	e.rescan = false
	return rescan
}

// Reclaim atomically releases and claims id again if a rescan is due.
// It returns true when the caller still holds the claim and must look for
// the target again.
func (c *CorrelationCache) Reclaim(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return false
	}
	if e.rescan {
		e.rescan = false
		return true
	}
	e.claimed = false
	return false
}

// ResolveEarly claims every unclaimed task whose target is msg and returns
// them in seq order. Tasks that match but are claimed by someone else are
// flagged for rescan instead.
func (c *CorrelationCache) ResolveEarly(msg *model.Message) []model.SyncTask {
	if msg == nil {
		return nil
	}

	c.mu.Lock()
	var out []model.SyncTask
	for _, e := range c.entries {
		if !targets(e.task, msg) {
			continue
		}
		if e.claimed {
			e.rescan = true
			continue
		}
		e.claimed = true
		out = append(out, e.task)
	}
	c.mu.Unlock()

	sortBySeq(out)
	return out
}

// Complete removes tasks durably, leaving processed tombstones, and then
// from the cache. The cache lock is held across the store call so no
// reader sees a task that is gone from the store but still cached.
func (c *CorrelationCache) Complete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.RemoveSyncTasks(ctx, ids); err != nil {
		return fmt.Errorf("complete tasks: %w", err)
	}
	for _, id := range ids {
		delete(c.entries, id)
	}
	metrics.CacheSize.Set(float64(len(c.entries)))
	return nil
}

// Evict removes one task that will never be applied, such as one that ran
// out of attempts or no longer validates.
func (c *CorrelationCache) Evict(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.RemoveSyncTaskByID(ctx, id); err != nil {
		return fmt.Errorf("evict task %s: %w", id, err)
	}
	delete(c.entries, id)
	metrics.CacheSize.Set(float64(len(c.entries)))
	return nil
}

// targets reports whether task refers to msg.
func targets(task model.SyncTask, msg *model.Message) bool {
	switch p := task.Payload.(type) {
	case model.ReceiptSignal:
		if msg.Type == model.MessageIncoming || p.MessageSentAt != msg.SentAt {
			return false
		}
		_, ok := msg.SendStateByConversationID[p.SourceConversationID]
		return ok
	case model.ReadSyncSignal:
		return p.TargetTimestamp == msg.SentAt && p.SenderID == msg.AuthorID
	case model.ViewSyncSignal:
		return p.TargetTimestamp == msg.SentAt && p.SenderID == msg.AuthorID
	case model.DeleteForMeSignal:
		return p.ConversationID == msg.ConversationID && p.Target.Matches(msg)
	case model.BackfillResponse:
		return p.Target.Matches(msg)
	default:
		return false
	}
}

func sortBySeq(tasks []model.SyncTask) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Seq != tasks[j].Seq {
			return tasks[i].Seq < tasks[j].Seq
		}
		return tasks[i].ID < tasks[j].ID
	})
}
