package engine

import (
	"fmt"
	"sort"

	"cadence/models"
)

// Validation error codes. Each collected error string starts with one of
// these so callers can assert on the class of violation.
const (
	ErrCodeNonSequentialSteps      = "NonSequentialSteps"
	ErrCodeDuplicateSteps          = "DuplicateSteps"
	ErrCodeFirstStepHasDelay       = "FirstStepHasDelay"
	ErrCodeDanglingConditionTarget = "DanglingConditionTarget"
)

// ValidationResult collects every structural violation in a sequence, not
// just the first one found.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// ValidateSequence checks a sequence's structural invariants before a
// campaign may activate: step numbers must form the contiguous range 1..N
// with no duplicates, step 1 must carry zero delay, and every branch target
// must resolve to an existing step.
func ValidateSequence(steps []models.SequenceStep) ValidationResult {
	result := ValidationResult{Valid: true}
	fail := func(format string, args ...interface{}) {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
	}

	if len(steps) == 0 {
		fail("%s: sequence has no steps", ErrCodeNonSequentialSteps)
		return result
	}

	seen := make(map[int]int, len(steps))
	for i := range steps {
		seen[steps[i].StepNumber]++
	}

	// Contiguous 1..N, reporting the first missing number.
	for n := 1; n <= len(steps); n++ {
		if seen[n] == 0 {
			fail("%s: missing step %d", ErrCodeNonSequentialSteps, n)
			break
		}
	}

	// Duplicates, in ascending step order for stable output.
	var dups []int
	for n, count := range seen {
		if count > 1 {
			dups = append(dups, n)
		}
	}
	sort.Ints(dups)
	for _, n := range dups {
		fail("%s: step %d defined %d times", ErrCodeDuplicateSteps, n, seen[n])
	}

	if first := models.FindStep(steps, 1); first != nil && first.Delay() != 0 {
		fail("%s: step 1 must have zero delay", ErrCodeFirstStepHasDelay)
	}

	for i := range steps {
		for j, cond := range steps[i].Conditions {
			if cond.Action != models.ActionBranchToStep {
				continue
			}
			if cond.TargetStep == 0 || seen[cond.TargetStep] == 0 {
				fail("%s: step %d condition %d branches to unknown step %d",
					ErrCodeDanglingConditionTarget, steps[i].StepNumber, j+1, cond.TargetStep)
			}
		}
	}

	return result
}
