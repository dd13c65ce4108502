package protect

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/travsart/botpop/internal/bracket"
	"github.com/travsart/botpop/internal/host"
)

// ChangeEvent is emitted on every protection change. The retirement
// manager subscribes to rescue cooling candidates that gain protection.
type ChangeEvent struct {
	GUID   uuid.UUID
	Reason Reason
	Gained bool
	Detail string
	Status Status // post-change copy
}

// Provider reports one protection concern (guild, friends, group, mail,
// auctions, interactions) into the registry. The registry stays ignorant
// of concrete provider types.
type Provider interface {
	Reason() Reason
	Name() string
	// Protected reports whether the provider currently protects the bot.
	Protected(guid uuid.UUID) bool
	// Batch answers Protected for many bots in one sweep.
	Batch(guids []uuid.UUID) map[uuid.UUID]bool
	// AllProtected enumerates every bot the provider protects right now.
	AllProtected() []uuid.UUID
	// NeedsRefresh hints that the provider's source data changed outside
	// the callback flow and a full re-sync is worthwhile.
	NeedsRefresh() bool
	// OnChange registers the callback fired when protection starts or
	// stops for a bot.
	OnChange(func(guid uuid.UUID, protected bool, detail string))
}

type entry struct {
	mu sync.Mutex
	s  Status
}

// Config tunes the registry.
type Config struct {
	InteractionWindow time.Duration      // RecentInteract decay (default 24h)
	Weights           map[string]float64 // overrides; defaults fill gaps
	DisabledReasons   Reason             // bits the deployment turned off
}

// Registry owns every bot's protection status. Concurrent updates contend
// only within the sharded map; queries never block task submission.
type Registry struct {
	clock   host.Clock
	weights Weights
	window  time.Duration
	disabled Reason

	entries *xsync.Map[uuid.UUID, *entry]

	mu   sync.Mutex
	subs []func(ChangeEvent)
}

// NewRegistry builds a registry. Configured weights win over the
// hard-coded defaults key by key.
func NewRegistry(clock host.Clock, cfg Config) *Registry {
	window := cfg.InteractionWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Registry{
		clock:    clock,
		weights:  DefaultWeights().Merge(cfg.Weights),
		window:   window,
		disabled: cfg.DisabledReasons,
		entries:  xsync.NewMap[uuid.UUID, *entry](),
	}
}

// Subscribe registers a change listener. Listeners run synchronously on
// the updating goroutine and must not call back into the registry.
func (r *Registry) Subscribe(fn func(ChangeEvent)) {
	r.mu.Lock()
	r.subs = append(r.subs, fn)
	r.mu.Unlock()
}

// AttachProvider wires a provider's change callback into the registry and
// performs the initial sync of its protected set.
func (r *Registry) AttachProvider(p Provider) {
	reason := p.Reason()
	p.OnChange(func(guid uuid.UUID, protected bool, detail string) {
		r.setReason(guid, reason, protected, detail)
	})
	for _, guid := range p.AllProtected() {
		r.setReason(guid, reason, true, p.Name()+" initial sync")
	}
}

func (r *Registry) emit(ev ChangeEvent) {
	r.mu.Lock()
	subs := make([]func(ChangeEvent), len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// update applies fn to the bot's status under its entry lock, recomputes
// the score, and returns a post-change copy.
func (r *Registry) update(guid uuid.UUID, fn func(*Status)) Status {
	e, _ := r.entries.LoadOrStore(guid, &entry{s: Status{
		GUID:    guid,
		Friends: make(map[host.PlayerID]struct{}),
	}})
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.s)
	e.s.Reasons &^= r.disabled
	e.s.Score = r.weights.score(&e.s, r.clock.Now())
	e.s.Dirty = true
	e.s.UpdatedAt = r.clock.Now()
	return copyStatus(&e.s)
}

func copyStatus(s *Status) Status {
	out := *s
	out.Friends = make(map[host.PlayerID]struct{}, len(s.Friends))
	for k := range s.Friends {
		out.Friends[k] = struct{}{}
	}
	return out
}

// setReason flips one reason bit and emits a change when it actually
// changed.
func (r *Registry) setReason(guid uuid.UUID, reason Reason, on bool, detail string) {
	if r.disabled&reason != 0 {
		return
	}
	var changed bool
	st := r.update(guid, func(s *Status) {
		had := s.Has(reason)
		if on {
			s.Reasons |= reason
		} else {
			s.Reasons &^= reason
		}
		changed = had != s.Has(reason)
	})
	if changed {
		r.emit(ChangeEvent{GUID: guid, Reason: reason, Gained: on, Detail: detail, Status: st})
	}
}

// OnBotCreated seeds a status record for a new bot.
func (r *Registry) OnBotCreated(guid uuid.UUID, level int) {
	r.update(guid, func(s *Status) { s.Level = level })
}

// OnBotDeleted drops the bot's record entirely.
func (r *Registry) OnBotDeleted(guid uuid.UUID) {
	r.entries.Delete(guid)
}

// OnBotLeveledUp records the bot's new level for bracket queries.
func (r *Registry) OnBotLeveledUp(guid uuid.UUID, level int) {
	r.update(guid, func(s *Status) { s.Level = level })
}

// OnGuildChange sets or clears InGuild.
func (r *Registry) OnGuildChange(guid uuid.UUID, guildID uint64) {
	r.update(guid, func(s *Status) { s.GuildID = guildID })
	r.setReason(guid, InGuild, guildID != 0, "guild membership change")
}

// OnFriendAdded records a real player friend-listing the bot.
func (r *Registry) OnFriendAdded(guid uuid.UUID, player host.PlayerID) {
	st := r.update(guid, func(s *Status) {
		s.Friends[player] = struct{}{}
		s.Reasons |= OnFriendList &^ r.disabled
	})
	r.emit(ChangeEvent{GUID: guid, Reason: OnFriendList, Gained: true, Detail: "AddedToFriendList", Status: st})
}

// OnFriendRemoved clears the friendship; the reason bit drops when no
// friends remain.
func (r *Registry) OnFriendRemoved(guid uuid.UUID, player host.PlayerID) {
	var lost bool
	st := r.update(guid, func(s *Status) {
		delete(s.Friends, player)
		if len(s.Friends) == 0 && s.Has(OnFriendList) {
			s.Reasons &^= OnFriendList
			lost = true
		}
	})
	if lost {
		r.emit(ChangeEvent{GUID: guid, Reason: OnFriendList, Gained: false, Detail: "RemovedFromFriendList", Status: st})
	}
}

// OnGroupChange records joining or leaving a group with a real player.
func (r *Registry) OnGroupChange(guid uuid.UUID, inGroup bool) {
	r.update(guid, func(s *Status) {
		s.LastGroup = r.clock.Now()
	})
	r.setReason(guid, InPlayerGroup, inGroup, "group membership change")
}

// OnMailChange sets or clears HasActiveMail.
func (r *Registry) OnMailChange(guid uuid.UUID, hasMail bool) {
	r.setReason(guid, HasActiveMail, hasMail, "mailbox change")
}

// OnAuctionChange sets or clears HasActiveAuction.
func (r *Registry) OnAuctionChange(guid uuid.UUID, hasAuction bool) {
	r.setReason(guid, HasActiveAuction, hasAuction, "auction change")
}

// OnInteraction records a real player interacting with the bot (trade,
// whisper, duel). Sets RecentInteract until the window expires.
func (r *Registry) OnInteraction(guid uuid.UUID, player host.PlayerID) {
	var gained bool
	st := r.update(guid, func(s *Status) {
		s.InteractionCount++
		s.LastInteraction = r.clock.Now()
		if !s.Has(RecentInteract) && r.disabled&RecentInteract == 0 {
			s.Reasons |= RecentInteract
			gained = true
		}
	})
	if gained {
		r.emit(ChangeEvent{GUID: guid, Reason: RecentInteract, Gained: true,
			Detail: fmt.Sprintf("interaction from player %d", player), Status: st})
	}
}

// SetManualProtect pins or unpins a bot. ManualProtect never decays.
func (r *Registry) SetManualProtect(guid uuid.UUID, on bool) {
	r.setReason(guid, ManualProtect, on, "operator pin")
}

// Decay clears time-based flags whose window has expired. Run on a
// background cadence.
func (r *Registry) Decay() {
	now := r.clock.Now()
	var expired []uuid.UUID
	r.entries.Range(func(guid uuid.UUID, e *entry) bool {
		e.mu.Lock()
		stale := e.s.Has(RecentInteract) && now.Sub(e.s.LastInteraction) > r.window
		e.mu.Unlock()
		if stale {
			expired = append(expired, guid)
		}
		return true
	})
	for _, guid := range expired {
		r.setReason(guid, RecentInteract, false, "interaction window expired")
	}
	if len(expired) > 0 {
		slog.Debug("protection decay", "expired", len(expired))
	}
}

// Status returns a copy of the bot's record.
func (r *Registry) Status(guid uuid.UUID) (Status, bool) {
	e, ok := r.entries.Load(guid)
	if !ok {
		return Status{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyStatus(&e.s), true
}

// IsProtected reports whether any reason currently protects the bot.
func (r *Registry) IsProtected(guid uuid.UUID) bool {
	st, ok := r.Status(guid)
	return ok && st.Protected()
}

func (r *Registry) collect(b *bracket.Bracket, protected bool) []Status {
	var out []Status
	r.entries.Range(func(_ uuid.UUID, e *entry) bool {
		e.mu.Lock()
		if b.Contains(e.s.Level) && e.s.Protected() == protected {
			out = append(out, copyStatus(&e.s))
		}
		e.mu.Unlock()
		return true
	})
	return out
}

// UnprotectedIn lists bots in the bracket with no active reason.
func (r *Registry) UnprotectedIn(b *bracket.Bracket) []Status {
	return r.collect(b, false)
}

// ProtectedIn lists bots in the bracket with at least one active reason.
func (r *Registry) ProtectedIn(b *bracket.Bracket) []Status {
	return r.collect(b, true)
}

// RetirementCandidates returns up to n unprotected bots in the bracket,
// least-protected (lowest score) first. Protected bots are never
// returned.
func (r *Registry) RetirementCandidates(b *bracket.Bracket, n int) []Status {
	candidates := r.collect(b, false)
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score < candidates[j].Score
		}
		return candidates[i].GUID.String() < candidates[j].GUID.String()
	})
	if n >= 0 && len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// DirtyStatuses returns copies of the records pending DB sync.
func (r *Registry) DirtyStatuses() []Status {
	var out []Status
	r.entries.Range(func(_ uuid.UUID, e *entry) bool {
		e.mu.Lock()
		if e.s.Dirty {
			out = append(out, copyStatus(&e.s))
		}
		e.mu.Unlock()
		return true
	})
	return out
}

// MarkClean clears the dirty flag after a successful DB sync.
func (r *Registry) MarkClean(guids []uuid.UUID) {
	for _, guid := range guids {
		if e, ok := r.entries.Load(guid); ok {
			e.mu.Lock()
			e.s.Dirty = false
			e.mu.Unlock()
		}
	}
}

// Restore loads a persisted status record, replacing whatever is held.
// Used at startup.
func (r *Registry) Restore(s Status) {
	if s.Friends == nil {
		s.Friends = make(map[host.PlayerID]struct{})
	}
	s.Dirty = false
	r.entries.Store(s.GUID, &entry{s: s})
}

// Count returns how many bots have a status record.
func (r *Registry) Count() int {
	return r.entries.Size()
}
