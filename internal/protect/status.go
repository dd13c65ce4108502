// Package protect aggregates the conditions that forbid retiring a bot
// and scores how socially bound each bot is. The registry is the single
// owner of protection state; providers only report changes into it.
package protect

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/travsart/botpop/internal/host"
)

// Reason is a bitmask of conditions that each independently forbid
// retirement.
type Reason uint16

const (
	InGuild Reason = 1 << iota
	OnFriendList
	InPlayerGroup
	RecentInteract
	HasActiveMail
	HasActiveAuction
	ManualProtect
)

var reasonNames = map[Reason]string{
	InGuild:          "InGuild",
	OnFriendList:     "OnFriendList",
	InPlayerGroup:    "InPlayerGroup",
	RecentInteract:   "RecentInteract",
	HasActiveMail:    "HasActiveMail",
	HasActiveAuction: "HasActiveAuction",
	ManualProtect:    "ManualProtect",
}

// AllReasons lists every defined reason bit, in declaration order.
var AllReasons = []Reason{
	InGuild, OnFriendList, InPlayerGroup, RecentInteract,
	HasActiveMail, HasActiveAuction, ManualProtect,
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	var parts []string
	for _, bit := range AllReasons {
		if r&bit != 0 {
			parts = append(parts, reasonNames[bit])
		}
	}
	if len(parts) == 0 {
		return "None"
	}
	return strings.Join(parts, "|")
}

// Status is one bot's protection record. A copy is handed out by queries;
// the registry owns the mutable original.
type Status struct {
	GUID             uuid.UUID
	Level            int
	Reasons          Reason
	GuildID          uint64
	Friends          map[host.PlayerID]struct{}
	InteractionCount int
	LastInteraction  time.Time
	LastGroup        time.Time
	Score            float64
	Dirty            bool // pending DB sync
	UpdatedAt        time.Time
}

// Protected reports whether any reason forbids retirement.
func (s *Status) Protected() bool { return s.Reasons != 0 }

// Has reports whether the given reason bit is set.
func (s *Status) Has(r Reason) bool { return s.Reasons&r != 0 }

// Weights maps reasons to score contributions plus the usage bonuses.
// Config values win when present; DefaultWeights fills the gaps.
type Weights struct {
	Reason           map[Reason]float64
	PerFriend        float64
	PerInteraction   float64
	InteractionCap   int
	GroupBonusMax    float64
	GroupDecayPerHr  float64
}

// DefaultWeights is the hard-coded fallback. ManualProtect dwarfs the
// rest so an operator pin always sorts last for retirement.
func DefaultWeights() Weights {
	return Weights{
		Reason: map[Reason]float64{
			InGuild:          100,
			OnFriendList:     80,
			InPlayerGroup:    90,
			RecentInteract:   60,
			HasActiveMail:    40,
			HasActiveAuction: 40,
			ManualProtect:    1000,
		},
		PerFriend:       10,
		PerInteraction:  1,
		InteractionCap:  100,
		GroupBonusMax:   50,
		GroupDecayPerHr: 5,
	}
}

// Merge overlays configured weights onto w. Only keys present in cfg
// replace defaults.
func (w Weights) Merge(cfg map[string]float64) Weights {
	if len(cfg) == 0 {
		return w
	}
	merged := w
	merged.Reason = make(map[Reason]float64, len(w.Reason))
	for k, v := range w.Reason {
		merged.Reason[k] = v
	}
	for _, bit := range AllReasons {
		if v, ok := cfg[bit.String()]; ok {
			merged.Reason[bit] = v
		}
	}
	if v, ok := cfg["PerFriend"]; ok {
		merged.PerFriend = v
	}
	if v, ok := cfg["PerInteraction"]; ok {
		merged.PerInteraction = v
	}
	if v, ok := cfg["GroupBonusMax"]; ok {
		merged.GroupBonusMax = v
	}
	if v, ok := cfg["GroupDecayPerHr"]; ok {
		merged.GroupDecayPerHr = v
	}
	return merged
}

// score computes the protection score: the weighted sum of active reasons
// plus friend, interaction, and recent-group bonuses.
func (w Weights) score(s *Status, now time.Time) float64 {
	var total float64
	for _, bit := range AllReasons {
		if s.Reasons&bit != 0 {
			total += w.Reason[bit]
		}
	}
	total += w.PerFriend * float64(len(s.Friends))

	interactions := s.InteractionCount
	if interactions > w.InteractionCap {
		interactions = w.InteractionCap
	}
	total += w.PerInteraction * float64(interactions)

	if !s.LastGroup.IsZero() {
		hours := now.Sub(s.LastGroup).Hours()
		if bonus := w.GroupBonusMax - w.GroupDecayPerHr*hours; bonus > 0 {
			total += bonus
		}
	}
	return total
}
