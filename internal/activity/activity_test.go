package activity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travsart/botpop/internal/bracket"
	"github.com/travsart/botpop/internal/host"
)

func testTracker(t *testing.T, staleAfter time.Duration) (*Tracker, *host.FakeClock) {
	t.Helper()
	set, err := bracket.NewSet(100, bracket.TierTargets{
		bracket.Starting:     25,
		bracket.ChromieTime:  25,
		bracket.Dragonflight: 25,
		bracket.TheWarWithin: 25,
	})
	require.NoError(t, err)
	clock := host.NewFakeClock(time.Unix(1000, 0))
	return NewTracker(clock, set, staleAfter), clock
}

func player(id host.PlayerID, level int, zone uint32) host.PlayerInfo {
	return host.PlayerInfo{ID: id, Level: level, ZoneID: zone}
}

func TestObserveAndLookup(t *testing.T) {
	tr, clock := testTracker(t, 0)

	tr.Observe(player(1, 12, 40))
	rec, ok := tr.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, 12, rec.Level)
	assert.Equal(t, uint32(40), rec.ZoneID)
	assert.Equal(t, clock.Now(), rec.LastSeen)

	// Re-observe overwrites in place.
	clock.Advance(time.Minute)
	tr.Observe(player(1, 13, 41))
	rec, _ = tr.Lookup(1)
	assert.Equal(t, 13, rec.Level)
	assert.Equal(t, 1, tr.Count())
}

func TestObserveKeepsFullPlayerSnapshot(t *testing.T) {
	tr, _ := testTracker(t, 0)

	tr.Observe(host.PlayerInfo{
		ID: 7, Level: 34, Class: 5, ZoneID: 40, AreaID: 406, MapID: 1,
		GroupID: 9, InInstance: true,
	})
	rec, ok := tr.Lookup(7)
	require.True(t, ok)
	assert.Equal(t, uint8(5), rec.Class)
	assert.Equal(t, uint32(406), rec.AreaID)
	assert.True(t, rec.InGroup)
	assert.True(t, rec.InInstance)
	assert.False(t, rec.InBattleground)
	assert.True(t, rec.Active)
}

func TestInstancedPlayersInvisibleToZoneDemand(t *testing.T) {
	tr, _ := testTracker(t, 0)

	tr.Observe(player(1, 30, 40))
	tr.Observe(host.PlayerInfo{ID: 2, Level: 30, ZoneID: 40, InInstance: true})
	tr.Observe(host.PlayerInfo{ID: 3, Level: 30, ZoneID: 40, InBattleground: true})

	assert.Equal(t, 1, tr.PlayersInZone(40))

	zones := tr.ZonesWithPlayersNearLevel(30, 2)
	require.Len(t, zones, 1)
	assert.Equal(t, 1, zones[0].Players)
}

func TestRemoveDropsImmediately(t *testing.T) {
	tr, _ := testTracker(t, 0)
	tr.Observe(player(1, 12, 40))
	tr.Remove(1)
	_, ok := tr.Lookup(1)
	assert.False(t, ok)
}

func TestEvictStale(t *testing.T) {
	tr, clock := testTracker(t, 5*time.Minute)

	tr.Observe(player(1, 12, 40))
	clock.Advance(4 * time.Minute)
	tr.Observe(player(2, 30, 50))

	// Player 1 is now 4m old, player 2 fresh: nobody past the window yet.
	assert.Equal(t, 0, tr.EvictStale())

	clock.Advance(2 * time.Minute)
	// Player 1 at 6m is stale, player 2 at 2m is not.
	assert.Equal(t, 1, tr.EvictStale())
	_, ok := tr.Lookup(1)
	assert.False(t, ok)
	_, ok = tr.Lookup(2)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), tr.Evicted())
}

func TestPlayersInZoneAndBracket(t *testing.T) {
	tr, _ := testTracker(t, 0)

	tr.Observe(player(1, 5, 40))   // Starting
	tr.Observe(player(2, 8, 40))   // Starting
	tr.Observe(player(3, 35, 50))  // ChromieTime
	tr.Observe(player(4, 72, 60))  // TheWarWithin

	assert.Equal(t, 2, tr.PlayersInZone(40))
	assert.Equal(t, 1, tr.PlayersInZone(50))
	assert.Equal(t, 0, tr.PlayersInZone(99))

	assert.Equal(t, 2, tr.PlayersInBracket(bracket.Starting))
	assert.Equal(t, 1, tr.PlayersInBracket(bracket.ChromieTime))
	assert.Equal(t, 0, tr.PlayersInBracket(bracket.Dragonflight))
	assert.Equal(t, 1, tr.PlayersInBracket(bracket.TheWarWithin))
}

func TestZonesWithPlayersNearLevel(t *testing.T) {
	tr, _ := testTracker(t, 0)

	tr.Observe(player(1, 10, 40))
	tr.Observe(player(2, 12, 40))
	tr.Observe(player(3, 14, 41))
	tr.Observe(player(4, 30, 50)) // out of range

	zones := tr.ZonesWithPlayersNearLevel(12, 3)
	require.Len(t, zones, 2)
	assert.Equal(t, ZoneCount{ZoneID: 40, Players: 2}, zones[0])
	assert.Equal(t, ZoneCount{ZoneID: 41, Players: 1}, zones[1])
}

func TestTopZonesBusiestFirstWithStableTies(t *testing.T) {
	tr, _ := testTracker(t, 0)

	for i := host.PlayerID(0); i < 3; i++ {
		tr.Observe(player(100+i, 20, 70))
	}
	tr.Observe(player(200, 20, 60))
	tr.Observe(player(201, 20, 65))

	zones := tr.TopZones(2)
	require.Len(t, zones, 2)
	assert.Equal(t, uint32(70), zones[0].ZoneID)
	assert.Equal(t, 3, zones[0].Players)
	// Tie between 60 and 65 breaks on zone id.
	assert.Equal(t, uint32(60), zones[1].ZoneID)
}

func TestLevelHistogram(t *testing.T) {
	tr, _ := testTracker(t, 0)

	tr.Observe(player(1, 3, 40))
	tr.Observe(player(2, 9, 40))
	tr.Observe(player(3, 65, 60))

	hist := tr.LevelHistogram()
	assert.Equal(t, 2, hist[bracket.Starting])
	assert.Equal(t, 1, hist[bracket.Dragonflight])
	assert.Equal(t, 0, hist[bracket.TheWarWithin])
}
