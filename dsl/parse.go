package dsl

import (
	"encoding/json"
	"fmt"

	"github.com/r3e-forks/data-core/errs"
)

// Parse decodes a workflow's JSON config into a Program. Unlike a fully
// polymorphic IR, From/To/Transform are flat structs keyed by a "type"
// discriminator with unused variant fields left zero — the same shape
// the platform's other JSON-LD-style documents use, and it lets a single
// json.Unmarshal do the work instead of a custom decoder per variant.
func Parse(raw []byte) (*Program, error) {
	var p Program
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errs.Validation("config", fmt.Sprintf("invalid DSL program JSON: %v", err))
	}
	return &p, nil
}

// Serialize re-encodes a Program to its canonical JSON form.
func Serialize(p *Program) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, errs.Serialization(err)
	}
	return b, nil
}
