package loop

import (
	"fmt"
	"strings"
)

// Stage is a set of tool requests eligible to execute concurrently.
// Iteration order within a stage follows original request order.
type Stage []ToolCallRequest

// BuildPlan orders one turn's requests into dependency stages. With no
// declared dependencies between the requested tools the plan is a single
// stage, maximum concurrency. A tool whose DependsOn names another tool
// requested in the same turn moves to a later stage. Cyclic declared
// dependencies yield an InvalidPlan error.
//
// deps maps tool name to the names it depends on; only names requested in
// this turn matter.
func BuildPlan(requests []ToolCallRequest, deps func(name string) []string) ([]Stage, error) {
	if len(requests) == 0 {
		return nil, nil
	}

	// Names requested this turn. Dependencies on tools not requested here
	// are satisfied by definition.
	requested := make(map[string]bool, len(requests))
	for _, req := range requests {
		requested[req.Name] = true
	}

	blockers := func(name string) []string {
		var in []string
		for _, dep := range deps(name) {
			if dep != name && requested[dep] {
				in = append(in, dep)
			}
		}
		return in
	}

	var stages []Stage
	placed := make(map[string]bool, len(requests))
	remaining := append([]ToolCallRequest(nil), requests...)

	for len(remaining) > 0 {
		var stage Stage
		var next []ToolCallRequest
		for _, req := range remaining {
			ready := true
			for _, dep := range blockers(req.Name) {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				stage = append(stage, req)
			} else {
				next = append(next, req)
			}
		}

		if len(stage) == 0 {
			// Nothing became ready: the remaining dependencies are cyclic.
			names := make([]string, 0, len(next))
			for _, req := range next {
				names = append(names, req.Name)
			}
			return nil, &LoopError{
				Kind:    InvalidPlan,
				Message: fmt.Sprintf("cyclic tool dependencies among: %s", strings.Join(names, ", ")),
			}
		}

		for _, req := range stage {
			placed[req.Name] = true
		}
		stages = append(stages, stage)
		remaining = next
	}

	return stages, nil
}
