// Package snapshot assembles one full game-state reading from a cropped
// data region. A frame that cannot be read yields a Snapshot carrying an
// error field instead of a Go error, so one bad frame never stops the
// pipeline.
package snapshot

import (
	"time"

	"github.com/hazyhaar/pixeldump/grid"
)

// Error codes carried by Snapshot.Error.
const (
	ErrorOccluded    = "occluded"
	ErrorCalibration = "calibration"
	ErrorDecode      = "decode"
	ErrorCapture     = "capture"
)

// Snapshot is the decoded state of one frame.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Layout    string    `json:"layout,omitempty"`

	Misc   *Misc                   `json:"misc,omitempty"`
	Player *Player                 `json:"player,omitempty"`
	Target *Unit                   `json:"target,omitempty"`
	Focus  *Unit                   `json:"focus,omitempty"`
	Party  map[string]*PartyMember `json:"party,omitempty"`
	Signal map[int]grid.StdNode    `json:"signal,omitempty"`
	Spec   map[int]grid.StdNode    `json:"spec,omitempty"`

	Error        string   `json:"error,omitempty"`
	ErrorDetails []string `json:"error_details,omitempty"`
}

// OK reports whether the snapshot decoded without error.
func (s *Snapshot) OK() bool { return s.Error == "" }

// Failed returns an error snapshot.
func Failed(at time.Time, code string, details ...string) *Snapshot {
	return &Snapshot{Timestamp: at, Error: code, ErrorDetails: details}
}

// Misc holds global flags.
type Misc struct {
	AC          string `json:"ac"`
	OnChat      bool   `json:"on_chat"`
	IsTargeting bool   `json:"is_targeting"`
	FlashNode   string `json:"flash_node"`
}

// Auras groups a unit's buff and debuff sequences. Target and focus only
// carry debuffs.
type Auras struct {
	Buff   *grid.Sequence[grid.Aura] `json:"buff,omitempty"`
	Debuff grid.Sequence[grid.Aura]  `json:"debuff"`
}

// Cast is an in-progress cast or channel.
type Cast struct {
	Icon     string  `json:"icon"`
	Duration float64 `json:"duration"`
	// Interruptible is only reported for hostile units.
	Interruptible *bool `json:"interruptible,omitempty"`
}

// Player is the local unit.
type Player struct {
	UnitToken string                    `json:"unit_token"`
	Spell     grid.Sequence[grid.Spell] `json:"spell"`
	Aura      Auras                     `json:"aura"`
	Status    PlayerStatus              `json:"status"`
}

// PlayerStatus holds the local unit's meters and flags.
type PlayerStatus struct {
	DamageAbsorbs float64 `json:"unit_damage_absorbs"`
	HealAbsorbs   float64 `json:"unit_heal_absorbs"`
	Health        float64 `json:"unit_health"`
	Power         float64 `json:"unit_power"`
	InCombat      bool    `json:"unit_in_combat"`
	InMovement    bool    `json:"unit_in_movement"`
	InVehicle     bool    `json:"unit_in_vehicle"`
	IsEmpowering  bool    `json:"unit_is_empowering"`
	IsDeadOrGhost bool    `json:"unit_is_dead_or_ghost"`
	InRange       bool    `json:"unit_in_range"`
	Cast          *Cast   `json:"unit_cast,omitempty"`
	Channel       *Cast   `json:"unit_channel,omitempty"`
	Class         string  `json:"unit_class"`
	Role          string  `json:"unit_role"`
}

// Unit is the target or focus.
type Unit struct {
	UnitToken string      `json:"unit_token"`
	Exists    bool        `json:"exists"`
	Status    *UnitStatus `json:"status,omitempty"`
	Aura      *Auras      `json:"aura,omitempty"`
}

// UnitStatus holds the flags of an existing target or focus.
type UnitStatus struct {
	CanAttack bool    `json:"unit_can_attack"`
	IsSelf    bool    `json:"unit_is_self"`
	IsAlive   bool    `json:"unit_is_alive"`
	InCombat  bool    `json:"unit_in_combat"`
	InRange   bool    `json:"unit_in_range"`
	Health    float64 `json:"unit_health"`
	Cast      *Cast   `json:"unit_cast,omitempty"`
	Channel   *Cast   `json:"unit_channel,omitempty"`
}

// PartyMember is one of party1..party4.
type PartyMember struct {
	UnitToken string       `json:"unit_token"`
	Exists    bool         `json:"exists"`
	Status    *PartyStatus `json:"status,omitempty"`
	Aura      *Auras       `json:"aura,omitempty"`
}

// PartyStatus holds an existing party member's meters and flags.
type PartyStatus struct {
	InRange       bool    `json:"unit_in_range"`
	Health        float64 `json:"unit_health"`
	Selected      bool    `json:"selected"`
	DamageAbsorbs float64 `json:"unit_damage_absorbs"`
	HealAbsorbs   float64 `json:"unit_heal_absorbs"`
	Class         string  `json:"unit_class"`
	Role          string  `json:"unit_role"`
}
