package domain

import (
	"time"
)

// PersonaConfig describes the simulated buyer the dialogue backend must
// impersonate. It is a read-only snapshot loaded once at session start and
// never mutated by the engine.
type PersonaConfig struct {
	Name           string   `json:"name"`
	Role           string   `json:"role"`
	Background     string   `json:"background"`
	Personality    string   `json:"personality"`
	Concerns       []string `json:"concerns,omitempty"`
	Objections     []string `json:"objections,omitempty"`
	IdealResponses []string `json:"ideal_responses,omitempty"`
}

// Scenario is the static training scenario a session runs against.
type Scenario struct {
	ID            string
	Title         string
	OpeningPrompt string
	MaxTurns      int
	Persona       PersonaConfig
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
