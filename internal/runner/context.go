package runner

import (
	"log/slog"
	"math/rand/v2"

	"github.com/roach88/repro/internal/ir"
)

// stageContext is the ir.StageContext handed to one handler invocation.
type stageContext struct {
	id     string
	mode   ir.Mode
	seed   int64
	seeded bool
	rng    *rand.Rand
	layout Layout
	logger *slog.Logger
}

var _ ir.StageContext = (*stageContext)(nil)

func (c *stageContext) StageID() string      { return c.id }
func (c *stageContext) Mode() ir.Mode        { return c.mode }
func (c *stageContext) Seed() int64          { return c.seed }
func (c *stageContext) Seeded() bool         { return c.seeded }
func (c *stageContext) Rand() *rand.Rand     { return c.rng }
func (c *stageContext) Logger() *slog.Logger { return c.logger }

func (c *stageContext) OutputPath(path string, shared bool) string {
	return c.layout.Resolve(path, shared, c.mode)
}
