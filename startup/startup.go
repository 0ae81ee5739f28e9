// Package startup runs the gateway's boot validation sequence: an ordered
// list of named checks (config sanity, WAL-directory writability, DLQ
// durability and orphan/stale-lock recovery, settlement handshake), each
// reporting a structured status. Warnings are logged and boot continues;
// a fatal result stops the process before it accepts traffic.
package startup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Status is one step's outcome.
type Status string

const (
	StatusOK      Status = "ok"
	StatusWarning Status = "warning"
	StatusFatal   Status = "fatal"
)

// Result is the record of one executed step.
type Result struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// StepFunc runs one check. A panic inside a step is treated as fatal.
type StepFunc func(ctx context.Context) (Status, string)

type step struct {
	name string
	run  StepFunc
}

// Sequence is an ordered boot checklist.
type Sequence struct {
	steps []step
	log   zerolog.Logger
}

// New constructs an empty Sequence.
func New(log zerolog.Logger) *Sequence {
	return &Sequence{log: log.With().Str("component", "startup").Logger()}
}

// Add appends a named step.
func (s *Sequence) Add(name string, fn StepFunc) *Sequence {
	s.steps = append(s.steps, step{name: name, run: fn})
	return s
}

// Run executes every step in order, logging each result. It does not stop
// at the first fatal result — all steps run so the operator sees the full
// picture in one boot attempt — but ok is false if any step was fatal.
func (s *Sequence) Run(ctx context.Context) (results []Result, ok bool) {
	ok = true
	for _, st := range s.steps {
		status, detail := s.runOne(ctx, st)
		results = append(results, Result{Name: st.name, Status: status, Detail: detail})
		ev := s.log.Info()
		switch status {
		case StatusWarning:
			ev = s.log.Warn()
		case StatusFatal:
			ev = s.log.Error()
			ok = false
		}
		ev.Str("step", st.name).Str("status", string(status)).Str("detail", detail).Msg("startup step")
	}
	return results, ok
}

func (s *Sequence) runOne(ctx context.Context, st step) (status Status, detail string) {
	defer func() {
		if r := recover(); r != nil {
			status = StatusFatal
			detail = fmt.Sprintf("panic: %v", r)
		}
	}()
	return st.run(ctx)
}

// WritableDir is a ready-made step checking that path's directory exists
// and accepts writes, by creating and removing a probe file. An empty
// path is a warning (the subsystem that needed it runs non-durable), not
// a fatal.
func WritableDir(path string) StepFunc {
	return func(ctx context.Context) (Status, string) {
		if path == "" {
			return StatusWarning, "no path configured; running non-durable"
		}
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return StatusFatal, "mkdir " + dir + ": " + err.Error()
		}
		probe := filepath.Join(dir, ".startup-probe")
		if err := os.WriteFile(probe, []byte("probe"), 0o644); err != nil {
			return StatusFatal, "write probe: " + err.Error()
		}
		if err := os.Remove(probe); err != nil {
			return StatusWarning, "probe cleanup: " + err.Error()
		}
		return StatusOK, dir + " writable"
	}
}
