package registry

import (
	"fmt"

	"autopilot/pkg/config"
	"autopilot/pkg/engine"
)

// Autonomy selects how much a session may do without asking.
type Autonomy string

// Autonomy levels.
const (
	Supervised      Autonomy = config.AutonomySupervised
	SemiAutonomous  Autonomy = config.AutonomySemiAutonomous
	FullyAutonomous Autonomy = config.AutonomyFullyAutonomous
)

// autonomyProfile holds the engine overrides for one level. A nil confirmation list keeps the
// configured set; an empty one disables confirmations.
type autonomyProfile struct {
	maxIterations      int
	checkpointInterval int
	confirmationKinds  []engine.ActionKind
}

//nolint:gochecknoglobals // immutable level table
var autonomyProfiles = map[Autonomy]autonomyProfile{
	Supervised: {
		maxIterations:      10,
		checkpointInterval: 3,
	},
	SemiAutonomous: {
		maxIterations:      50,
		checkpointInterval: 10,
		confirmationKinds:  []engine.ActionKind{engine.KindGenerateCode, engine.KindRefactor},
	},
	FullyAutonomous: {
		maxIterations:      100,
		checkpointInterval: 20,
		confirmationKinds:  []engine.ActionKind{},
	},
}

// ParseAutonomy validates a level name. The empty string selects fallback.
func ParseAutonomy(name string, fallback Autonomy) (Autonomy, error) {
	if name == "" {
		return fallback, nil
	}
	a := Autonomy(name)
	if _, ok := autonomyProfiles[a]; !ok {
		return "", fmt.Errorf("unknown autonomy level %q", name)
	}
	return a, nil
}

// Apply returns base with the level's iteration bound, checkpoint cadence and confirmation set.
func (a Autonomy) Apply(base engine.Config) engine.Config {
	p, ok := autonomyProfiles[a]
	if !ok {
		return base
	}
	base.MaxIterations = p.maxIterations
	base.CheckpointInterval = p.checkpointInterval
	if p.confirmationKinds != nil {
		base.ConfirmationKinds = append([]engine.ActionKind{}, p.confirmationKinds...)
	}
	return base
}
