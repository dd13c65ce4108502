// Package activity maintains a real-time picture of where real players
// are: zone, level, and last-seen time per player, with stale records
// evicted so population decisions track the live world.
package activity

import (
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/travsart/botpop/internal/bracket"
	"github.com/travsart/botpop/internal/host"
)

// DefaultStaleAfter is how long a player record survives without an
// update before eviction treats the player as gone.
const DefaultStaleAfter = 5 * time.Minute

// Record is one player's last observed state.
type Record struct {
	Player         host.PlayerID
	Level          int
	Class          uint8
	ZoneID         uint32
	AreaID         uint32
	MapID          uint32
	InGroup        bool
	InInstance     bool
	InBattleground bool
	Active         bool
	LastSeen       time.Time
}

// ZoneCount pairs a zone with its live player count.
type ZoneCount struct {
	ZoneID  uint32
	Players int
}

// Tracker ingests player movement and level updates and answers
// aggregate queries over the live population.
type Tracker struct {
	clock      host.Clock
	brackets   *bracket.Set
	staleAfter time.Duration

	records *xsync.Map[host.PlayerID, Record]

	mu      sync.Mutex
	evicted uint64
}

// NewTracker builds a tracker; staleAfter <= 0 selects the default.
func NewTracker(clock host.Clock, brackets *bracket.Set, staleAfter time.Duration) *Tracker {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Tracker{
		clock:      clock,
		brackets:   brackets,
		staleAfter: staleAfter,
		records:    xsync.NewMap[host.PlayerID, Record](),
	}
}

// Observe records a sighting of a player. Called from the host's update
// hooks on login, zone change, and level up.
func (t *Tracker) Observe(info host.PlayerInfo) {
	t.records.Store(info.ID, Record{
		Player:         info.ID,
		Level:          info.Level,
		Class:          info.Class,
		ZoneID:         info.ZoneID,
		AreaID:         info.AreaID,
		MapID:          info.MapID,
		InGroup:        info.GroupID != 0,
		InInstance:     info.InInstance,
		InBattleground: info.InBattleground,
		Active:         true,
		LastSeen:       t.clock.Now(),
	})
}

// Remove drops a player immediately (logout).
func (t *Tracker) Remove(id host.PlayerID) {
	t.records.Delete(id)
}

// EvictStale removes records not refreshed within the stale window and
// returns how many were dropped.
func (t *Tracker) EvictStale() int {
	cutoff := t.clock.Now().Add(-t.staleAfter)
	dropped := 0
	t.records.Range(func(id host.PlayerID, rec Record) bool {
		if rec.LastSeen.Before(cutoff) {
			t.records.Delete(id)
			dropped++
		}
		return true
	})
	if dropped > 0 {
		t.mu.Lock()
		t.evicted += uint64(dropped)
		t.mu.Unlock()
	}
	return dropped
}

// Count returns the number of live player records.
func (t *Tracker) Count() int {
	return t.records.Size()
}

// Evicted returns the cumulative number of records dropped as stale.
func (t *Tracker) Evicted() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evicted
}

// Lookup returns the live record for a player.
func (t *Tracker) Lookup(id host.PlayerID) (Record, bool) {
	return t.records.Load(id)
}

// PlayersInZone counts live open-world players in one zone. Players
// inside an instance or battleground are not visible in the zone, so
// they do not pull bots toward it.
func (t *Tracker) PlayersInZone(zoneID uint32) int {
	n := 0
	t.records.Range(func(_ host.PlayerID, rec Record) bool {
		if rec.ZoneID == zoneID && !rec.InInstance && !rec.InBattleground {
			n++
		}
		return true
	})
	return n
}

// PlayersInBracket counts live players whose level falls in the tier.
func (t *Tracker) PlayersInBracket(tier bracket.Tier) int {
	n := 0
	t.records.Range(func(_ host.PlayerID, rec Record) bool {
		if b := t.brackets.ForLevel(rec.Level); b != nil && b.Tier == tier {
			n++
		}
		return true
	})
	return n
}

// ZonesWithPlayersNearLevel lists zones holding at least one player whose
// level is within spread of the given level, busiest first.
func (t *Tracker) ZonesWithPlayersNearLevel(level, spread int) []ZoneCount {
	counts := make(map[uint32]int)
	t.records.Range(func(_ host.PlayerID, rec Record) bool {
		if rec.InInstance || rec.InBattleground {
			return true
		}
		if rec.Level >= level-spread && rec.Level <= level+spread {
			counts[rec.ZoneID]++
		}
		return true
	})
	return sortZoneCounts(counts)
}

// TopZones returns the n busiest zones.
func (t *Tracker) TopZones(n int) []ZoneCount {
	counts := make(map[uint32]int)
	t.records.Range(func(_ host.PlayerID, rec Record) bool {
		counts[rec.ZoneID]++
		return true
	})
	out := sortZoneCounts(counts)
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// LevelHistogram buckets live players per bracket tier.
func (t *Tracker) LevelHistogram() map[bracket.Tier]int {
	hist := make(map[bracket.Tier]int, bracket.NumTiers)
	t.records.Range(func(_ host.PlayerID, rec Record) bool {
		if b := t.brackets.ForLevel(rec.Level); b != nil {
			hist[b.Tier]++
		}
		return true
	})
	return hist
}

func sortZoneCounts(counts map[uint32]int) []ZoneCount {
	out := make([]ZoneCount, 0, len(counts))
	for id, n := range counts {
		out = append(out, ZoneCount{ZoneID: id, Players: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Players != out[j].Players {
			return out[i].Players > out[j].Players
		}
		return out[i].ZoneID < out[j].ZoneID
	})
	return out
}
