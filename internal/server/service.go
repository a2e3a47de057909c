// Package server exposes the flag engine over HTTP.
package server

import (
	"context"

	"github.com/matt-riley/gatez/internal/core"
	"github.com/matt-riley/gatez/internal/engine"
)

// Service is the engine surface the HTTP transport depends on.
// *engine.Engine satisfies it.
type Service interface {
	Explain(key string) core.Decision
	ExplainFor(key string, ectx core.EvaluationContext) core.Decision
	GetFlag(key string) (core.FlagDefinition, bool)
	GetAllFlags() []core.FlagDefinition
	GetEnabledFlags() []string
	GetStats() engine.Stats
	SetFlag(definition core.FlagDefinition)
	UpdateFlags(definitions []core.FlagDefinition)
	RemoveFlag(key string)
	Clear()
	SetUserContext(subjectID string, groups []string)
	ClearUserContext()
	Flush(ctx context.Context) error
}

var _ Service = (*engine.Engine)(nil)
