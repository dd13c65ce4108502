// Package host defines the interfaces the engine consumes from the game
// server: player lookups, time, guild/mail/auction operations, entity
// lifecycle, and zone data. The engine never reaches into the host except
// through these.
package host

import (
	"time"

	"github.com/google/uuid"
)

// PlayerID identifies a real player account-character.
type PlayerID uint64

// PlayerInfo is the registry's view of a real player.
type PlayerInfo struct {
	ID              PlayerID
	Name            string
	Level           int
	Class           uint8
	ZoneID          uint32
	AreaID          uint32
	MapID           uint32
	GuildID         uint64 // 0 = unguilded
	GroupID         uint64 // 0 = ungrouped
	PlaytimeMinutes int
	InInstance      bool
	InBattleground  bool
}

// BotInfo is the registry's view of a simulated player.
type BotInfo struct {
	GUID            uuid.UUID
	Name            string
	Level           int
	Class           uint8
	ZoneID          uint32
	MapID           uint32
	GuildID         uint64
	GuildMaster     bool
	GroupID         uint64
	PlaytimeMinutes int
}

// PlayerRegistry resolves players and bots by id.
type PlayerRegistry interface {
	Player(id PlayerID) (PlayerInfo, bool)
	Bot(guid uuid.UUID) (BotInfo, bool)
	GroupMembers(groupID uint64) []PlayerID
}

// Clock supplies wall-clock time for rate limits and persistence. Tests
// substitute a settable fake; production uses SystemClock.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// GuildMember is one row of a guild roster.
type GuildMember struct {
	GUID  uuid.UUID
	IsBot bool
	Rank  int
}

// GuildOps covers the guild mutations the graceful-exit pipeline needs.
type GuildOps interface {
	GuildMembers(guildID uint64) ([]GuildMember, error)
	TransferLeadership(guildID uint64, to uuid.UUID) error
	LeaveGuild(bot uuid.UUID) error
}

// Mail is one message in a bot's mailbox.
type Mail struct {
	ID       uint64
	Sender   PlayerID
	HasItems bool
	HasGold  bool
}

// MailOps covers mailbox cleanup: item-bearing mail goes back to its
// sender, text-only mail is deleted.
type MailOps interface {
	PendingMail(bot uuid.UUID) ([]Mail, error)
	ReturnToSender(bot uuid.UUID, mailID uint64) error
	DeleteMail(bot uuid.UUID, mailID uint64) error
}

// AuctionOps covers auction cleanup: cancelling returns the listed items.
type AuctionOps interface {
	ActiveAuctions(bot uuid.UUID) ([]uint64, error)
	CancelAuction(bot uuid.UUID, auctionID uint64) error
}

// EntityOps covers bot entity lifecycle on the host: allocation, world
// placement, save, logout, and final character deletion.
type EntityOps interface {
	AllocateBot(guid uuid.UUID, name string, level int, class uint8) error
	LoadCharacter(guid uuid.UUID) error
	AddToWorld(guid uuid.UUID, mapID uint32) error
	RemoveFromWorld(guid uuid.UUID) error
	SaveCharacter(guid uuid.UUID) error
	Logout(guid uuid.UUID) error
	DeleteCharacter(guid uuid.UUID) error
}

// Zone is the content-tuning view of one geographic zone. Level coverage
// comes from the host so the engine stays testable against mock content.
type Zone struct {
	ID       uint32
	Name     string
	MapID    uint32
	MinLevel int
	MaxLevel int
	QuestHub bool
}

// ZoneProvider enumerates zones and their level coverage.
type ZoneProvider interface {
	Zones() []Zone
	ZonesForLevel(level int) []Zone
}

// EventKind classifies a host notification.
type EventKind uint8

const (
	EventPlayerLogin EventKind = iota
	EventPlayerLogout
	EventPlayerZoneChange
	EventPlayerLevelUp
	EventGroupChange
	EventCombat
	EventGuildChange
	EventFriendAdd
	EventFriendRemove
	EventTrade
	EventWhisper
)

func (k EventKind) String() string {
	names := [...]string{
		"PlayerLogin", "PlayerLogout", "PlayerZoneChange", "PlayerLevelUp",
		"GroupChange", "Combat", "GuildChange", "FriendAdd", "FriendRemove",
		"Trade", "Whisper",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "Unknown"
}

// Event is one gameplay notification from the host. Player carries the
// acting player's current state; Bot names the affected bot where one is
// involved. GuildID and InGroup describe the membership after the change.
type Event struct {
	Kind    EventKind
	Player  PlayerInfo
	Bot     uuid.UUID
	GuildID uint64
	InGroup bool
}

// EventBus delivers host notifications to the engine. Handlers run
// synchronously on the host's delivery goroutine and must return quickly.
type EventBus interface {
	Subscribe(fn func(Event))
}

// Host bundles every collaborator the composition root hands to the
// engine.
type Host struct {
	Players  PlayerRegistry
	Clock    Clock
	Guilds   GuildOps
	Mail     MailOps
	Auctions AuctionOps
	Entities EntityOps
	Zones    ZoneProvider
	Events   EventBus
}
