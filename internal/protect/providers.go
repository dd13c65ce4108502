package protect

import (
	"sync"

	"github.com/google/uuid"

	"github.com/travsart/botpop/internal/host"
)

// Roster enumerates the GUIDs of every live bot; providers use it for
// batch sweeps and AllProtected.
type Roster func() []uuid.UUID

// baseProvider carries the callback plumbing shared by all providers.
type baseProvider struct {
	mu  sync.Mutex
	cbs []func(guid uuid.UUID, protected bool, detail string)
}

func (b *baseProvider) OnChange(fn func(guid uuid.UUID, protected bool, detail string)) {
	b.mu.Lock()
	b.cbs = append(b.cbs, fn)
	b.mu.Unlock()
}

func (b *baseProvider) notify(guid uuid.UUID, protected bool, detail string) {
	b.mu.Lock()
	cbs := make([]func(uuid.UUID, bool, string), len(b.cbs))
	copy(cbs, b.cbs)
	b.mu.Unlock()
	for _, fn := range cbs {
		fn(guid, protected, detail)
	}
}

// GuildProvider protects bots that belong to a guild, per the host player
// registry.
type GuildProvider struct {
	baseProvider
	players host.PlayerRegistry
	roster  Roster
}

// NewGuildProvider builds the guild provider over the host registry.
func NewGuildProvider(players host.PlayerRegistry, roster Roster) *GuildProvider {
	return &GuildProvider{players: players, roster: roster}
}

func (p *GuildProvider) Reason() Reason { return InGuild }
func (p *GuildProvider) Name() string   { return "guild" }

func (p *GuildProvider) Protected(guid uuid.UUID) bool {
	b, ok := p.players.Bot(guid)
	return ok && b.GuildID != 0
}

func (p *GuildProvider) Batch(guids []uuid.UUID) map[uuid.UUID]bool {
	out := make(map[uuid.UUID]bool, len(guids))
	for _, g := range guids {
		out[g] = p.Protected(g)
	}
	return out
}

func (p *GuildProvider) AllProtected() []uuid.UUID {
	var out []uuid.UUID
	for _, g := range p.roster() {
		if p.Protected(g) {
			out = append(out, g)
		}
	}
	return out
}

func (p *GuildProvider) NeedsRefresh() bool { return false }

// Report pushes a host guild event through the provider.
func (p *GuildProvider) Report(guid uuid.UUID, inGuild bool) {
	p.notify(guid, inGuild, "guild roster event")
}

// MailProvider protects bots with pending mail.
type MailProvider struct {
	baseProvider
	mail   host.MailOps
	roster Roster
}

// NewMailProvider builds the mail provider over the host mail operations.
func NewMailProvider(mail host.MailOps, roster Roster) *MailProvider {
	return &MailProvider{mail: mail, roster: roster}
}

func (p *MailProvider) Reason() Reason { return HasActiveMail }
func (p *MailProvider) Name() string   { return "mail" }

func (p *MailProvider) Protected(guid uuid.UUID) bool {
	box, err := p.mail.PendingMail(guid)
	return err == nil && len(box) > 0
}

func (p *MailProvider) Batch(guids []uuid.UUID) map[uuid.UUID]bool {
	out := make(map[uuid.UUID]bool, len(guids))
	for _, g := range guids {
		out[g] = p.Protected(g)
	}
	return out
}

func (p *MailProvider) AllProtected() []uuid.UUID {
	var out []uuid.UUID
	for _, g := range p.roster() {
		if p.Protected(g) {
			out = append(out, g)
		}
	}
	return out
}

// Mailboxes change behind the engine's back (players send mail), so the
// registry re-syncs this provider on its decay cadence.
func (p *MailProvider) NeedsRefresh() bool { return true }

// Report pushes a mailbox change through the provider.
func (p *MailProvider) Report(guid uuid.UUID, hasMail bool) {
	p.notify(guid, hasMail, "mailbox event")
}

// AuctionProvider protects bots with live auction listings.
type AuctionProvider struct {
	baseProvider
	auctions host.AuctionOps
	roster   Roster
}

// NewAuctionProvider builds the auction provider over the host auction
// operations.
func NewAuctionProvider(auctions host.AuctionOps, roster Roster) *AuctionProvider {
	return &AuctionProvider{auctions: auctions, roster: roster}
}

func (p *AuctionProvider) Reason() Reason { return HasActiveAuction }
func (p *AuctionProvider) Name() string   { return "auction" }

func (p *AuctionProvider) Protected(guid uuid.UUID) bool {
	list, err := p.auctions.ActiveAuctions(guid)
	return err == nil && len(list) > 0
}

func (p *AuctionProvider) Batch(guids []uuid.UUID) map[uuid.UUID]bool {
	out := make(map[uuid.UUID]bool, len(guids))
	for _, g := range guids {
		out[g] = p.Protected(g)
	}
	return out
}

func (p *AuctionProvider) AllProtected() []uuid.UUID {
	var out []uuid.UUID
	for _, g := range p.roster() {
		if p.Protected(g) {
			out = append(out, g)
		}
	}
	return out
}

func (p *AuctionProvider) NeedsRefresh() bool { return true }

// Report pushes an auction change through the provider.
func (p *AuctionProvider) Report(guid uuid.UUID, hasAuction bool) {
	p.notify(guid, hasAuction, "auction event")
}

// RefreshProviders re-syncs every refresh-hungry provider against the
// live roster. Called on the decay cadence.
func (r *Registry) RefreshProviders(providers []Provider, roster Roster) {
	guids := roster()
	for _, p := range providers {
		if !p.NeedsRefresh() {
			continue
		}
		for guid, on := range p.Batch(guids) {
			r.setReason(guid, p.Reason(), on, p.Name()+" refresh")
		}
	}
}
