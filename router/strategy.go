package router

import (
	"fmt"
	"strings"
)

// Strategy is the closed set of answering strategies.
type Strategy int

const (
	// SQL answers with the SQL agent.
	SQL Strategy = iota
	// Retrieval answers from the document index.
	Retrieval
	// Both runs the SQL agent first and retrieval as its fallback.
	Both
)

func (s Strategy) String() string {
	switch s {
	case SQL:
		return "sql"
	case Retrieval:
		return "retrieval"
	case Both:
		return "both"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// MarshalText encodes the strategy by name.
func (s Strategy) MarshalText() ([]byte, error) {
	switch s {
	case SQL, Retrieval, Both:
		return []byte(s.String()), nil
	}
	return nil, fmt.Errorf("router: invalid strategy %d", int(s))
}

// UnmarshalText decodes a strategy name.
func (s *Strategy) UnmarshalText(b []byte) error {
	v, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStrategy parses "sql", "retrieval" or "both", case-insensitively.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sql":
		return SQL, nil
	case "retrieval", "rag":
		return Retrieval, nil
	case "both", "hybrid":
		return Both, nil
	}
	return 0, fmt.Errorf("router: unknown strategy %q", name)
}

// Category is the intent category of a question.
type Category string

const (
	Lookup               Category = "lookup"
	Aggregation          Category = "aggregation"
	Join                 Category = "join"
	Analytics            Category = "analytics"
	BusinessIntelligence Category = "business-intelligence"
	Conversational       Category = "conversational"
)

// Categories lists every category in a fixed order.
var Categories = []Category{Lookup, Aggregation, Join, Analytics, BusinessIntelligence, Conversational}

// Valid reports whether c is one of Categories.
func (c Category) Valid() bool {
	for _, k := range Categories {
		if c == k {
			return true
		}
	}
	return false
}
