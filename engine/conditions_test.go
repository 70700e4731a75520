package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"cadence/models"
)

func cond(typ, op, value, action string, target int) models.StepCondition {
	return models.StepCondition{Type: typ, Operator: op, Value: value, Action: action, TargetStep: target}
}

func TestNextStepDefaultAdvance(t *testing.T) {
	steps := []models.SequenceStep{step(1, 0, 0), step(2, 1, 0), step(3, 2, 0)}

	out := NextStep(steps, 1, EngagementSnapshot{})
	assert.Equal(t, 2, out.NextStep)
	assert.False(t, out.Terminal())
}

func TestNextStepCompletesPastLastStep(t *testing.T) {
	steps := []models.SequenceStep{step(1, 0, 0), step(2, 1, 0)}

	out := NextStep(steps, 2, EngagementSnapshot{})
	assert.True(t, out.Completed)
	assert.True(t, out.Terminal())
	assert.Zero(t, out.NextStep)
}

func TestNextStepStopOnReply(t *testing.T) {
	steps := []models.SequenceStep{
		step(1, 0, 0, cond(models.ConditionReplyReceived, models.OperatorEquals, "true", models.ActionStopSequence, 0)),
		step(2, 1, 0),
	}

	out := NextStep(steps, 1, EngagementSnapshot{Replied: true})
	assert.True(t, out.Stopped)
	assert.True(t, out.Terminal())

	// Without the reply the condition does not match and the contact
	// advances normally.
	out = NextStep(steps, 1, EngagementSnapshot{})
	assert.Equal(t, 2, out.NextStep)
}

func TestNextStepFirstMatchWins(t *testing.T) {
	steps := []models.SequenceStep{
		step(1, 0, 0,
			cond(models.ConditionEmailOpened, models.OperatorEquals, "true", models.ActionBranchToStep, 3),
			cond(models.ConditionReplyReceived, models.OperatorEquals, "true", models.ActionStopSequence, 0),
		),
		step(2, 1, 0),
		step(3, 2, 0),
	}

	// Both conditions hold; the one declared first decides.
	out := NextStep(steps, 1, EngagementSnapshot{Opened: true, Replied: true})
	assert.Equal(t, 3, out.NextStep)
	assert.False(t, out.Stopped)
}

func TestNextStepBranch(t *testing.T) {
	steps := []models.SequenceStep{
		step(1, 0, 0, cond(models.ConditionLinkClicked, models.OperatorEquals, "true", models.ActionBranchToStep, 4)),
		step(2, 1, 0),
		step(3, 1, 0),
		step(4, 1, 0),
	}

	out := NextStep(steps, 1, EngagementSnapshot{Clicked: true})
	assert.Equal(t, 4, out.NextStep)
}

func TestNextStepSkipNeverSendsSkippedStep(t *testing.T) {
	steps := []models.SequenceStep{
		step(1, 0, 0, cond(models.ConditionEmailOpened, models.OperatorEquals, "false", models.ActionSkipStep, 0)),
		step(2, 1, 0),
		step(3, 1, 0),
	}

	// No open: step 2 is skipped, the contact lands on step 3.
	out := NextStep(steps, 1, EngagementSnapshot{})
	assert.Equal(t, 3, out.NextStep)

	// With an open the skip does not match.
	out = NextStep(steps, 1, EngagementSnapshot{Opened: true})
	assert.Equal(t, 2, out.NextStep)
}

func TestNextStepSkipReevaluatesFollowingStep(t *testing.T) {
	steps := []models.SequenceStep{
		step(1, 0, 0, cond(models.ConditionEmailOpened, models.OperatorEquals, "false", models.ActionSkipStep, 0)),
		step(2, 1, 0, cond(models.ConditionReplyReceived, models.OperatorEquals, "true", models.ActionStopSequence, 0)),
		step(3, 1, 0),
	}

	// Step 2 is skipped but its stop condition still fires.
	out := NextStep(steps, 1, EngagementSnapshot{Replied: true})
	assert.True(t, out.Stopped)
}

func TestNextStepSkipAtEndCompletes(t *testing.T) {
	steps := []models.SequenceStep{
		step(1, 0, 0, cond(models.ConditionEmailOpened, models.OperatorEquals, "false", models.ActionSkipStep, 0)),
		step(2, 1, 0),
	}

	out := NextStep(steps, 1, EngagementSnapshot{})
	assert.True(t, out.Completed)
}

func TestNextStepSkipChainTerminates(t *testing.T) {
	skip := cond(models.ConditionEmailOpened, models.OperatorEquals, "false", models.ActionSkipStep, 0)
	steps := []models.SequenceStep{
		step(1, 0, 0, skip),
		step(2, 1, 0, skip),
		step(3, 1, 0, skip),
	}

	out := NextStep(steps, 1, EngagementSnapshot{})
	assert.True(t, out.Terminal())
}

func TestNextStepTimeElapsedOperators(t *testing.T) {
	mk := func(op, value string) []models.SequenceStep {
		return []models.SequenceStep{
			step(1, 0, 0, cond(models.ConditionTimeElapsed, op, value, models.ActionStopSequence, 0)),
			step(2, 1, 0),
		}
	}

	out := NextStep(mk(models.OperatorGreaterThan, "72"), 1, EngagementSnapshot{HoursSinceSend: 100})
	assert.True(t, out.Stopped)

	out = NextStep(mk(models.OperatorGreaterThan, "72"), 1, EngagementSnapshot{HoursSinceSend: 10})
	assert.Equal(t, 2, out.NextStep)

	out = NextStep(mk(models.OperatorLessThan, "24"), 1, EngagementSnapshot{HoursSinceSend: 5})
	assert.True(t, out.Stopped)

	// Malformed values never match.
	out = NextStep(mk(models.OperatorGreaterThan, "soon"), 1, EngagementSnapshot{HoursSinceSend: 100})
	assert.Equal(t, 2, out.NextStep)
}

func TestNextStepUnknownCurrentStepCompletes(t *testing.T) {
	steps := []models.SequenceStep{step(1, 0, 0)}

	out := NextStep(steps, 7, EngagementSnapshot{})
	assert.True(t, out.Completed)
}
