package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travsart/botpop/internal/bracket"
	"github.com/travsart/botpop/internal/flow"
	"github.com/travsart/botpop/internal/host"
	"github.com/travsart/botpop/internal/protect"
	"github.com/travsart/botpop/internal/retire"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestProtectionStatusRoundTrip(t *testing.T) {
	db := openTestDB(t)

	now := time.Unix(1_700_000_000, 0).UTC()
	in := protect.Status{
		GUID:             uuid.New(),
		Level:            42,
		Reasons:          protect.InGuild | protect.OnFriendList,
		GuildID:          9,
		Friends:          map[host.PlayerID]struct{}{7: {}, 8: {}},
		InteractionCount: 3,
		LastInteraction:  now,
		LastGroup:        now.Add(-time.Hour),
		Score:            123.5,
		UpdatedAt:        now,
	}
	require.NoError(t, db.SaveProtectionStatuses([]protect.Status{in}))

	out, err := db.LoadProtectionStatuses()
	require.NoError(t, err)
	require.Len(t, out, 1)
	got := out[0]
	assert.Equal(t, in.GUID, got.GUID)
	assert.Equal(t, in.Level, got.Level)
	assert.Equal(t, in.Reasons, got.Reasons)
	assert.Equal(t, in.GuildID, got.GuildID)
	assert.Equal(t, in.Friends, got.Friends)
	assert.Equal(t, in.InteractionCount, got.InteractionCount)
	assert.True(t, in.LastInteraction.Equal(got.LastInteraction))
	assert.True(t, in.LastGroup.Equal(got.LastGroup))
	assert.Equal(t, in.Score, got.Score)
}

func TestProtectionStatusUpsertReplaces(t *testing.T) {
	db := openTestDB(t)

	guid := uuid.New()
	s := protect.Status{GUID: guid, Level: 10, Friends: map[host.PlayerID]struct{}{}}
	require.NoError(t, db.SaveProtectionStatuses([]protect.Status{s}))
	s.Level = 20
	require.NoError(t, db.SaveProtectionStatuses([]protect.Status{s}))

	out, err := db.LoadProtectionStatuses()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 20, out[0].Level)
}

func TestRetirementQueueRoundTrip(t *testing.T) {
	db := openTestDB(t)

	now := time.Unix(1_700_000_000, 0).UTC()
	in := retire.Candidate{
		GUID:          uuid.New(),
		Reason:        "overpopulation in STARTING",
		State:         retire.StateCooling,
		Stage:         retire.StageLeavingGuild,
		QueuedAt:      now,
		CoolingEndsAt: now.AddDate(0, 0, 7),
		Audit: retire.Audit{
			MailItemsCleared:  2,
			AuctionsCancelled: 1,
			ForcedSkips:       []retire.Stage{retire.StageClearingMail},
		},
	}
	require.NoError(t, db.SaveRetirementQueue([]retire.Candidate{in}))

	out, err := db.LoadRetirementQueue()
	require.NoError(t, err)
	require.Len(t, out, 1)
	got := out[0]
	assert.Equal(t, in.GUID, got.GUID)
	assert.Equal(t, in.Reason, got.Reason)
	assert.Equal(t, retire.StateCooling, got.State)
	assert.True(t, in.CoolingEndsAt.Equal(got.CoolingEndsAt))
	assert.Equal(t, in.Audit.MailItemsCleared, got.Audit.MailItemsCleared)
	assert.Equal(t, in.Audit.ForcedSkips, got.Audit.ForcedSkips)

	// Save is full-replace.
	require.NoError(t, db.SaveRetirementQueue(nil))
	out, err = db.LoadRetirementQueue()
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestFlowStatsRoundTrip(t *testing.T) {
	db := openTestDB(t)

	var s flow.RollingStats
	clock := host.NewFakeClock(time.Unix(1000, 0))
	set, err := bracket.NewSet(100, bracket.TierTargets{
		bracket.Starting: 25, bracket.ChromieTime: 25,
		bracket.Dragonflight: 25, bracket.TheWarWithin: 25,
	})
	require.NoError(t, err)
	p := flow.NewPredictor(clock, set)
	for _, d := range []time.Duration{time.Hour, 2 * time.Hour, 90 * time.Minute} {
		g := uuid.New()
		p.OnBracketEntered(g, bracket.Starting)
		clock.Advance(d)
		p.OnBracketExited(g, bracket.Starting)
	}
	s = p.Stats(bracket.Starting)

	require.NoError(t, db.SaveFlowStats(bracket.Starting, s))
	got, ok, err := db.LoadFlowStats(bracket.Starting)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, s.N, got.N)
	assert.InDelta(t, s.Mean, got.Mean, 1e-6)
	assert.InDelta(t, s.StdDev(), got.StdDev(), 1e-6)
	assert.Equal(t, s.Min, got.Min)
	assert.Equal(t, s.Max, got.Max)

	_, ok, err = db.LoadFlowStats(bracket.Dragonflight)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransitionPruning(t *testing.T) {
	db := openTestDB(t)

	base := time.Unix(1_700_000_000, 0).UTC()
	require.NoError(t, db.RecordTransition(uuid.New(), bracket.Starting, time.Hour, base))
	require.NoError(t, db.RecordTransition(uuid.New(), bracket.Starting, time.Hour, base.AddDate(0, 0, -40)))

	n, err := db.PruneTransitions(base.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMetaRoundTrip(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.SaveMeta("schema_version", "1"))
	require.NoError(t, db.SaveMeta("schema_version", "2"))
	v, err := db.GetMeta("schema_version")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}

func TestSyncFlushesDirtyStatuses(t *testing.T) {
	db := openTestDB(t)

	clock := host.NewFakeClock(time.Unix(1000, 0))
	registry := protect.NewRegistry(clock, protect.Config{})
	fake := host.NewFake()
	mgr := retire.NewManager(retire.DefaultConfig(), fake.Host(clock), registry, nil, nil)

	guid := uuid.New()
	registry.OnGuildChange(guid, 5)
	idle := uuid.New()
	registry.OnBotCreated(idle, 12)
	require.NoError(t, mgr.Queue(idle, "overpopulation"))

	require.NoError(t, db.Sync(registry, mgr))

	statuses, err := db.LoadProtectionStatuses()
	require.NoError(t, err)
	assert.Len(t, statuses, 2)

	queue, err := db.LoadRetirementQueue()
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, idle, queue[0].GUID)

	// Dirty flags were cleared by the sync.
	assert.Empty(t, registry.DirtyStatuses())
}
