package search

import "testing"

func TestDeadEndsCache_ForbidAtRootAppliesToEveryPrefix(t *testing.T) {
	c := NewDeadEndsCache(4)
	c.ForbidConditionAfterPrefix(nil, ConditionID(2))

	forbidden := c.ForbiddenConditionsForAllPrefixesUpTo([]ConditionID{0, 1})
	if !forbidden.Test(2) {
		t.Fatalf("expected condition 2 forbidden at root to apply to every prefix")
	}
}

func TestDeadEndsCache_ForbidAfterPrefixIsScoped(t *testing.T) {
	c := NewDeadEndsCache(4)
	c.ForbidConditionAfterPrefix([]ConditionID{0}, ConditionID(3))

	afterZero := c.ForbiddenConditionsAfterPrefix([]ConditionID{0})
	if afterZero == nil || !afterZero.Test(3) {
		t.Fatalf("expected condition 3 forbidden after prefix [0]")
	}

	afterOne := c.ForbiddenConditionsAfterPrefix([]ConditionID{1})
	if afterOne != nil {
		t.Fatalf("expected no record for an unrelated prefix, got %v", afterOne)
	}
}

func TestDeadEndsCache_UnknownPrefixReturnsNil(t *testing.T) {
	c := NewDeadEndsCache(2)
	if got := c.ForbiddenConditionsAfterPrefix([]ConditionID{0, 1}); got != nil {
		t.Fatalf("expected nil for a prefix never recorded, got %v", got)
	}
}
