package host

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownEntity is returned by fake operations on ids they never saw.
var ErrUnknownEntity = errors.New("unknown entity")

// FakeClock is a settable clock for tests and the demo daemon.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock starts at the given instant.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set jumps the clock to a specific instant.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Fake is an in-memory host used by tests and `botpopd run --demo`. All
// mutating operations record what happened so scenario tests can assert
// on them.
type Fake struct {
	mu sync.Mutex

	PlayersByID map[PlayerID]PlayerInfo
	BotsByGUID  map[uuid.UUID]BotInfo
	Groups      map[uint64][]PlayerID
	GuildRoster map[uint64][]GuildMember
	Mailboxes   map[uuid.UUID][]Mail
	Auctions    map[uuid.UUID][]uint64
	ZoneList    []Zone

	// Recorded effects.
	LeadershipTransfers map[uint64]uuid.UUID
	GuildLeaves         []uuid.UUID
	ReturnedMail        []uint64
	DeletedMail         []uint64
	CancelledAuctions   []uint64
	SavedCharacters     []uuid.UUID
	LoggedOut           []uuid.UUID
	DeletedCharacters   []uuid.UUID
	RemovedFromWorld    []uuid.UUID
	AddedToWorld        []uuid.UUID

	// Optional failure injection.
	FailLeaveGuild map[uuid.UUID]int // remaining LeaveGuild failures per bot
	FailNextLoads  int               // remaining LoadCharacter failures
	BlockSaves     chan struct{}     // when set, SaveCharacter blocks until it is closed

	subs []func(Event)
}

// NewFake returns an empty fake host.
func NewFake() *Fake {
	return &Fake{
		PlayersByID:         make(map[PlayerID]PlayerInfo),
		BotsByGUID:          make(map[uuid.UUID]BotInfo),
		Groups:              make(map[uint64][]PlayerID),
		GuildRoster:         make(map[uint64][]GuildMember),
		Mailboxes:           make(map[uuid.UUID][]Mail),
		Auctions:            make(map[uuid.UUID][]uint64),
		LeadershipTransfers: make(map[uint64]uuid.UUID),
		FailLeaveGuild:      make(map[uuid.UUID]int),
	}
}

// Host assembles a host.Host around the fake with the given clock.
func (f *Fake) Host(clock Clock) Host {
	return Host{
		Players:  f,
		Clock:    clock,
		Guilds:   f,
		Mail:     f,
		Auctions: f,
		Entities: f,
		Zones:    f,
		Events:   f,
	}
}

func (f *Fake) Subscribe(fn func(Event)) {
	f.mu.Lock()
	f.subs = append(f.subs, fn)
	f.mu.Unlock()
}

// Publish delivers an event to every subscriber, synchronously on the
// caller's goroutine. Scenario tests script host behavior through it.
func (f *Fake) Publish(ev Event) {
	f.mu.Lock()
	subs := make([]func(Event), len(f.subs))
	copy(subs, f.subs)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (f *Fake) Player(id PlayerID) (PlayerInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.PlayersByID[id]
	return p, ok
}

func (f *Fake) Bot(guid uuid.UUID) (BotInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.BotsByGUID[guid]
	return b, ok
}

func (f *Fake) GroupMembers(groupID uint64) []PlayerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PlayerID(nil), f.Groups[groupID]...)
}

func (f *Fake) GuildMembers(guildID uint64) ([]GuildMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]GuildMember(nil), f.GuildRoster[guildID]...), nil
}

func (f *Fake) TransferLeadership(guildID uint64, to uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LeadershipTransfers[guildID] = to
	return nil
}

func (f *Fake) LeaveGuild(bot uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.FailLeaveGuild[bot]; n > 0 {
		f.FailLeaveGuild[bot] = n - 1
		return errors.New("guild handler busy")
	}
	f.GuildLeaves = append(f.GuildLeaves, bot)
	if b, ok := f.BotsByGUID[bot]; ok {
		b.GuildID = 0
		b.GuildMaster = false
		f.BotsByGUID[bot] = b
	}
	return nil
}

func (f *Fake) PendingMail(bot uuid.UUID) ([]Mail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Mail(nil), f.Mailboxes[bot]...), nil
}

func (f *Fake) ReturnToSender(bot uuid.UUID, mailID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReturnedMail = append(f.ReturnedMail, mailID)
	f.dropMailLocked(bot, mailID)
	return nil
}

func (f *Fake) DeleteMail(bot uuid.UUID, mailID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeletedMail = append(f.DeletedMail, mailID)
	f.dropMailLocked(bot, mailID)
	return nil
}

func (f *Fake) dropMailLocked(bot uuid.UUID, mailID uint64) {
	box := f.Mailboxes[bot]
	for i, m := range box {
		if m.ID == mailID {
			f.Mailboxes[bot] = append(box[:i], box[i+1:]...)
			return
		}
	}
}

func (f *Fake) ActiveAuctions(bot uuid.UUID) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.Auctions[bot]...), nil
}

func (f *Fake) CancelAuction(bot uuid.UUID, auctionID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CancelledAuctions = append(f.CancelledAuctions, auctionID)
	list := f.Auctions[bot]
	for i, id := range list {
		if id == auctionID {
			f.Auctions[bot] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

func (f *Fake) AllocateBot(guid uuid.UUID, name string, level int, class uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BotsByGUID[guid] = BotInfo{GUID: guid, Name: name, Level: level, Class: class}
	return nil
}

func (f *Fake) LoadCharacter(guid uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailNextLoads > 0 {
		f.FailNextLoads--
		return errors.New("character row missing")
	}
	if _, ok := f.BotsByGUID[guid]; !ok {
		return ErrUnknownEntity
	}
	return nil
}

func (f *Fake) AddToWorld(guid uuid.UUID, mapID uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.BotsByGUID[guid]; ok {
		b.MapID = mapID
		f.BotsByGUID[guid] = b
	}
	f.AddedToWorld = append(f.AddedToWorld, guid)
	return nil
}

func (f *Fake) RemoveFromWorld(guid uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RemovedFromWorld = append(f.RemovedFromWorld, guid)
	return nil
}

func (f *Fake) SaveCharacter(guid uuid.UUID) error {
	f.mu.Lock()
	block := f.BlockSaves
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SavedCharacters = append(f.SavedCharacters, guid)
	return nil
}

func (f *Fake) Logout(guid uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LoggedOut = append(f.LoggedOut, guid)
	return nil
}

func (f *Fake) DeleteCharacter(guid uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeletedCharacters = append(f.DeletedCharacters, guid)
	delete(f.BotsByGUID, guid)
	return nil
}

func (f *Fake) Zones() []Zone {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Zone(nil), f.ZoneList...)
}

func (f *Fake) ZonesForLevel(level int) []Zone {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Zone
	for _, z := range f.ZoneList {
		if level >= z.MinLevel && level <= z.MaxLevel {
			out = append(out, z)
		}
	}
	return out
}
