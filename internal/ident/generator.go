package ident

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Strategy identifies the identifier generation algorithm to use.
type Strategy int

const (
	// StrategyKSUID generates lexicographically sortable identifiers using KSUID.
	StrategyKSUID Strategy = iota
	// StrategyUUIDv7 generates time-ordered identifiers using UUID version 7.
	StrategyUUIDv7
)

var defaultGenerator = &Generator{strategy: StrategyKSUID}

// Generator produces identifiers for sessions and messages.
type Generator struct {
	mu       sync.RWMutex
	strategy Strategy
}

// SetStrategy configures the generation strategy for the default generator.
func SetStrategy(strategy Strategy) {
	defaultGenerator.mu.Lock()
	defaultGenerator.strategy = strategy
	defaultGenerator.mu.Unlock()
}

// NewSessionID generates a new session identifier with a stable prefix for display.
func NewSessionID() string {
	return defaultGenerator.newIdentifier("session")
}

// NewMessageID generates a new message identifier.
func NewMessageID() string {
	return defaultGenerator.newIdentifier("msg")
}

// NewKSUID returns a raw KSUID string regardless of the configured strategy.
func NewKSUID() string {
	return ksuid.New().String()
}

func (g *Generator) newIdentifier(prefix string) string {
	g.mu.RLock()
	strategy := g.strategy
	g.mu.RUnlock()

	switch strategy {
	case StrategyUUIDv7:
		id, err := uuid.NewV7()
		if err != nil {
			// NewV7 only fails when the entropy source does; KSUID reads
			// from the same source but cannot return an error.
			return fmt.Sprintf("%s-%s", prefix, ksuid.New().String())
		}
		return fmt.Sprintf("%s-%s", prefix, id.String())
	default:
		return fmt.Sprintf("%s-%s", prefix, ksuid.New().String())
	}
}
