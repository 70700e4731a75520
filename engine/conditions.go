package engine

import (
	"strconv"
	"strings"

	"cadence/models"
)

// EngagementSnapshot is what the contact has done since the last sent step.
type EngagementSnapshot struct {
	Replied        bool
	Opened         bool
	Clicked        bool
	HoursSinceSend float64
}

// Outcome is the evaluator's verdict for a contact at a step boundary.
type Outcome struct {
	// NextStep is the step the contact moves to; zero when terminal.
	NextStep int
	// Stopped is set when a stop_sequence condition matched.
	Stopped bool
	// Completed is set when the contact advanced past the last step.
	Completed bool
}

// Terminal reports whether no further step should be scheduled.
func (o Outcome) Terminal() bool { return o.Stopped || o.Completed }

// NextStep decides where a contact goes after finishing currentStep. The
// step's conditions are evaluated in declared order and the first match
// wins; skip_step advances past the following step and re-evaluates there.
// With no match the contact advances sequentially, completing the sequence
// when already at the last step.
func NextStep(steps []models.SequenceStep, currentStep int, snap EngagementSnapshot) Outcome {
	last := 0
	for i := range steps {
		if steps[i].StepNumber > last {
			last = steps[i].StepNumber
		}
	}

	at := currentStep
	// Bounded by the sequence length so a cycle of skips cannot spin.
	for hop := 0; hop <= len(steps); hop++ {
		step := models.FindStep(steps, at)
		if step == nil {
			return Outcome{Completed: true}
		}

		cond := firstMatch(step.Conditions, snap)
		if cond == nil {
			if at >= last {
				return Outcome{Completed: true}
			}
			return Outcome{NextStep: at + 1}
		}

		switch cond.Action {
		case models.ActionStopSequence:
			return Outcome{Stopped: true}
		case models.ActionBranchToStep:
			return Outcome{NextStep: cond.TargetStep}
		case models.ActionSkipStep:
			// The following step is skipped without being consulted for a
			// send; its own conditions are re-evaluated to find the next.
			at++
			if at > last {
				return Outcome{Completed: true}
			}
			continue
		default:
			return Outcome{NextStep: at + 1}
		}
	}
	return Outcome{Completed: true}
}

// firstMatch returns the first condition whose predicate holds, preserving
// declared order. Remaining conditions are not evaluated.
func firstMatch(conds []models.StepCondition, snap EngagementSnapshot) *models.StepCondition {
	for i := range conds {
		if matches(conds[i], snap) {
			return &conds[i]
		}
	}
	return nil
}

func matches(c models.StepCondition, snap EngagementSnapshot) bool {
	switch c.Type {
	case models.ConditionReplyReceived:
		return compareBool(snap.Replied, c)
	case models.ConditionEmailOpened:
		return compareBool(snap.Opened, c)
	case models.ConditionLinkClicked:
		return compareBool(snap.Clicked, c)
	case models.ConditionTimeElapsed:
		hours, err := strconv.ParseFloat(strings.TrimSpace(c.Value), 64)
		if err != nil {
			return false
		}
		switch c.Operator {
		case models.OperatorGreaterThan:
			return snap.HoursSinceSend > hours
		case models.OperatorLessThan:
			return snap.HoursSinceSend < hours
		case models.OperatorEquals:
			return snap.HoursSinceSend == hours
		case models.OperatorNotEquals:
			return snap.HoursSinceSend != hours
		}
	}
	return false
}

func compareBool(observed bool, c models.StepCondition) bool {
	expected := strings.EqualFold(strings.TrimSpace(c.Value), "true")
	switch c.Operator {
	case models.OperatorNotEquals:
		return observed != expected
	default: // equals
		return observed == expected
	}
}
