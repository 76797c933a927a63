package sim

import (
	"math/rand"

	"github.com/Zakru/DigitalExtinction-Game/internal/telemetry"
	"github.com/Zakru/DigitalExtinction-Game/logging"
)

// Deps carries shared infrastructure dependencies required by the simulation
// engine. The RNG must be seeded identically on every peer; simulation code
// never reads another entropy source.
type Deps struct {
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Clock   logging.Clock
	RNG     *rand.Rand
}

func (d Deps) normalized() Deps {
	if d.Logger == nil {
		d.Logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	if d.Metrics == nil {
		d.Metrics = telemetry.NopMetrics()
	}
	if d.Clock == nil {
		d.Clock = logging.SystemClock{}
	}
	if d.RNG == nil {
		d.RNG = rand.New(rand.NewSource(1))
	}
	return d
}
