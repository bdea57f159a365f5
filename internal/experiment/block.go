package experiment

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"

	"github.com/BTreeMap/ExpTools/internal/session"
	"github.com/BTreeMap/ExpTools/internal/staircase"
	"github.com/BTreeMap/ExpTools/internal/trial"
)

// Block is a run of motion trials with balanced, shuffled directions.
type Block struct {
	Trials       int
	Motion       MotionConfig
	Staircase    *staircase.Staircase
	Seed         uint64
	DriftCorrect bool
}

// Directions returns the direction of every trial: half leftward, half rightward,
// shuffled with the block seed.
func (b *Block) Directions() []float64 {
	dirs := make([]float64, b.Trials)
	for i := range dirs {
		if i%2 == 0 {
			dirs[i] = DirectionRight
		} else {
			dirs[i] = DirectionLeft
		}
	}
	rng := rand.New(rand.NewPCG(b.Seed, b.Seed+1))
	rng.Shuffle(len(dirs), func(i, j int) { dirs[i], dirs[j] = dirs[j], dirs[i] })
	return dirs
}

// Factory returns the trial factory for a session. Sessions with a scanner start
// with a wait trial.
func (b *Block) Factory() session.TrialFactory {
	dirs := b.Directions()
	offset := 0
	return func(s *session.Session, i int) (*trial.Trial, error) {
		if i == 0 && s.Scanner() != nil {
			offset = 1
			return NewWaitTrial(s)
		}
		k := i - offset
		if k >= len(dirs) {
			return nil, nil
		}
		return NewMotionTrial(s, strconv.Itoa(k), b.Motion, dirs[k], b.Staircase, b.Seed+uint64(k))
	}
}

// RunBlock drift-corrects the tracker if requested and runs the block.
func RunBlock(ctx context.Context, s *session.Session, b *Block) error {
	if b.Staircase == nil {
		return fmt.Errorf("block needs a staircase")
	}
	if b.DriftCorrect {
		code, err := s.DriftCorrect(ctx, nil)
		if err != nil {
			return fmt.Errorf("drift correction before block: %w", err)
		}
		slog.Debug("Drift correction done", "code", code)
	}
	slog.Info("Block started", "trials", b.Trials, "intensity", b.Staircase.Intensity())
	if err := s.Run(ctx, b.Factory()); err != nil {
		return err
	}
	slog.Info("Block finished", "intensity", b.Staircase.Intensity(), "reversals", b.Staircase.Reversals())
	return nil
}
