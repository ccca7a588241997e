package cache

import (
	"sort"
	"sync"
	"time"

	"airwatch-service/models"
)

// Entry is the committed view of one room
type Entry struct {
	RoomID    string            `json:"roomId"`
	Room      models.Room       `json:"room"`
	Series    models.RoomSeries `json:"series"`
	Insight   *models.Insight   `json:"insight,omitempty"`
	FetchErr  string            `json:"fetchError,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
	InsightAt time.Time         `json:"insightAt,omitempty"`
}

// RoomCache holds the last committed series and insight per room.
// Readers never observe a half-written room: each commit swaps one entry.
type RoomCache struct {
	entries        map[string]Entry
	mutex          sync.RWMutex
	now            func() time.Time
	cacheHitCount  int
	cacheMissCount int
}

// NewRoomCache creates an empty room cache
func NewRoomCache() *RoomCache {
	return &RoomCache{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// CommitSeries replaces a room's series. The room's insight is kept, so a
// failed fetch never discards the last verdict.
func (c *RoomCache) CommitSeries(room models.Room, series models.RoomSeries, fetchErr error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry := c.entries[room.ID]
	entry.RoomID = room.ID
	entry.Room = room
	entry.Series = series
	entry.FetchErr = ""
	if fetchErr != nil {
		entry.FetchErr = fetchErr.Error()
	}
	entry.UpdatedAt = c.now()
	c.entries[room.ID] = entry
}

// CommitInsight stores a verdict for a room. It reports false when the room
// is no longer cached (removed while its analysis was running).
func (c *RoomCache) CommitInsight(roomID string, insight models.Insight) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, found := c.entries[roomID]
	if !found {
		return false
	}
	entry.Insight = &insight
	entry.InsightAt = c.now()
	c.entries[roomID] = entry
	return true
}

// Get returns a room's committed entry
func (c *RoomCache) Get(roomID string) (Entry, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, found := c.entries[roomID]
	if !found {
		c.cacheMissCount++
		return Entry{}, false
	}
	c.cacheHitCount++
	return entry.clone(), true
}

// Insight returns a copy of a room's cached insight, or nil
func (c *RoomCache) Insight(roomID string) *models.Insight {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.entries[roomID].clone().Insight
}

// All returns every committed entry ordered by room ID
func (c *RoomCache) All() []Entry {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// Remove drops a room
func (c *RoomCache) Remove(roomID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.entries, roomID)
}

// CacheStats returns statistics about lookups that hit and missed
func (c *RoomCache) CacheStats() (hits, misses int) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.cacheHitCount, c.cacheMissCount
}

func (e Entry) clone() Entry {
	if e.Insight != nil {
		insight := *e.Insight
		e.Insight = &insight
	}
	return e
}
