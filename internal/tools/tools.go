// Package tools implements the lookups the fraud stage lets the model call:
// historical weather and market prices.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/ppiankov/claimledger/internal/llm"
)

// Tool is a function exposed to the model
type Tool interface {
	Definition() llm.Tool
	// Call runs the tool with the model-supplied JSON arguments and returns
	// text for the model
	Call(ctx context.Context, args json.RawMessage) (string, error)
}

// Set dispatches tool calls by name
type Set struct {
	tools  map[string]Tool
	logger *zap.Logger
}

// NewSet creates a set over the given tools. Nil tools are skipped.
func NewSet(logger *zap.Logger, tools ...Tool) *Set {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Set{tools: make(map[string]Tool), logger: logger}
	for _, t := range tools {
		if t != nil {
			s.tools[t.Definition().Name] = t
		}
	}
	return s
}

// Len returns the number of tools
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tools)
}

// Definitions returns the tool definitions sorted by name
func (s *Set) Definitions() []llm.Tool {
	if s == nil {
		return nil
	}
	defs := make([]llm.Tool, 0, len(s.tools))
	for _, t := range s.tools {
		defs = append(defs, t.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Call runs the named tool. Failures are returned as text so the model can
// continue without the lookup.
func (s *Set) Call(ctx context.Context, name, args string) string {
	t, ok := s.tools[name]
	if !ok {
		return fmt.Sprintf("Unknown tool: %s", name)
	}
	out, err := t.Call(ctx, json.RawMessage(args))
	if err != nil {
		s.logger.Warn("tool call failed", zap.String("tool", name), zap.Error(err))
		return fmt.Sprintf("Tool %s failed: %v", name, err)
	}
	s.logger.Debug("tool call", zap.String("tool", name), zap.Int("bytes", len(out)))
	return out
}
