// Package detect contains the analyzers that run over every inbound message:
// the local regex bank, the NER adapter, the prompt-injection scanner, and
// the persona context scorer.
//
// Entity detectors are CPU-bound and safe for concurrent use; all shared
// state (compiled patterns, keyword tables) is built once at construction.
package detect

import (
	"context"

	"github.com/aegisgate/core/pkg/entity"
)

// EntityDetector produces span-anchored findings for a text.
type EntityDetector interface {
	// Name identifies the detector in logs and degraded-mode accounting.
	Name() string
	// Detect scans text and returns findings. Implementations respect ctx
	// cancellation at coarse boundaries (between patterns or batches).
	Detect(ctx context.Context, text string) ([]entity.Entity, error)
}
