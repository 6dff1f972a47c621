// Package ralph implements PRD-driven iterative execution: each story is
// dispatched to a worker and its acceptance criteria re-checked until they
// all pass or the iteration budget runs out.
package ralph

import (
	"fmt"

	"foreman/pkg/protocol"
)

// Validate checks a PRD's structure and computes model assignments, a
// topological dependency order, and a cost estimate. Warnings never fail
// validation.
func Validate(prd protocol.PRD) protocol.ValidationResult {
	res := protocol.ValidationResult{
		ModelAssignments: make(map[string]string, len(prd.Stories)),
	}

	if prd.Name == "" {
		res.Errors = append(res.Errors, "prd has no name")
	}
	if len(prd.Stories) == 0 {
		res.Errors = append(res.Errors, "prd has no stories")
	}
	if prd.Constraints.MaxIterationsPerStory < 1 {
		res.Errors = append(res.Errors, "max_iterations_per_story must be at least 1")
	}
	if prd.Constraints.MaxWorkers < 1 {
		res.Errors = append(res.Errors, "max_workers must be at least 1")
	}

	byID := make(map[string]protocol.Story, len(prd.Stories))
	for _, s := range prd.Stories {
		if s.ID == "" {
			res.Errors = append(res.Errors, "story without id")
			continue
		}
		if _, dup := byID[s.ID]; dup {
			res.Errors = append(res.Errors, fmt.Sprintf("duplicate story id %q", s.ID))
			continue
		}
		byID[s.ID] = s
	}

	for _, s := range prd.Stories {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				res.Errors = append(res.Errors, fmt.Sprintf("story %q depends on unknown story %q", s.ID, dep))
			}
			if dep == s.ID {
				res.Errors = append(res.Errors, fmt.Sprintf("story %q depends on itself", s.ID))
			}
		}
		if len(s.AcceptanceCriteria) == 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("story %q has no acceptance criteria and cannot be verified", s.ID))
		}
	}

	for _, s := range prd.Stories {
		model := s.Model
		if model == "" {
			model = protocol.ModelForComplexity(s.Complexity)
		} else if _, known := protocol.LookupModel(model); !known {
			res.Warnings = append(res.Warnings, fmt.Sprintf("story %q names unknown model %q, cost estimate will be zero", s.ID, model))
		}
		res.ModelAssignments[s.ID] = model
	}

	order, cyclic := topoOrder(prd.Stories, byID)
	if len(cyclic) > 0 {
		res.Errors = append(res.Errors, fmt.Sprintf("dependency cycle involving stories %v", cyclic))
	} else {
		res.DependencyOrder = order
	}

	for _, s := range prd.Stories {
		res.EstimatedCostUSD += estimateStoryCost(res.ModelAssignments[s.ID], s.Complexity, prd.Constraints.MaxIterationsPerStory)
	}

	res.Valid = len(res.Errors) == 0
	return res
}

// estimateStoryCost prices one story: per-iteration expected tokens at the
// assigned model's rates, times an expected iteration count of half the
// budget. A midpoint guess, not a guarantee; swap this function to change
// the policy.
func estimateStoryCost(model string, c protocol.Complexity, maxIterations int) float64 {
	expectedIterations := float64(maxIterations) / 2
	if expectedIterations < 1 {
		expectedIterations = 1
	}
	return protocol.Cost(model, protocol.ExpectedTokens(c)) * expectedIterations
}

// topoOrder runs Kahn's algorithm over story dependencies. Ready stories are
// picked in PRD declaration order so the result is deterministic. Stories
// left over belong to at least one cycle.
func topoOrder(stories []protocol.Story, byID map[string]protocol.Story) (order, cyclic []string) {
	indegree := make(map[string]int, len(byID))
	dependents := make(map[string][]string, len(byID))
	for _, s := range stories {
		if _, ok := byID[s.ID]; !ok {
			continue
		}
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				continue
			}
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	placed := make(map[string]bool, len(byID))
	for len(order) < len(byID) {
		progressed := false
		for _, s := range stories {
			if _, ok := byID[s.ID]; !ok || placed[s.ID] || indegree[s.ID] > 0 {
				continue
			}
			placed[s.ID] = true
			order = append(order, s.ID)
			for _, d := range dependents[s.ID] {
				indegree[d]--
			}
			progressed = true
		}
		if !progressed {
			break
		}
	}

	if len(order) < len(byID) {
		for _, s := range stories {
			if _, ok := byID[s.ID]; ok && !placed[s.ID] {
				cyclic = append(cyclic, s.ID)
			}
		}
		return nil, cyclic
	}
	return order, nil
}
