package engine

import "testing"

func TestCancelSignalSubFlagsIndependent(t *testing.T) {
	c := &CancelSignal{}
	c.RequestToolCallCancel()
	if c.TurnRequested() {
		t.Fatal("tool-call cancel should not imply turn cancel")
	}
	if !c.ToolCallRequested() {
		t.Fatal("expected ToolCallRequested true")
	}
	if c.RetrySleepRequested() {
		t.Fatal("tool-call cancel should not imply retry-sleep cancel")
	}
}

func TestCancelSignalTurnImpliesRetrySleep(t *testing.T) {
	c := &CancelSignal{}
	c.RequestTurnCancel()
	if !c.RetrySleepRequested() {
		t.Fatal("turn cancel should imply retry-sleep cancel")
	}
}

func TestCancelSignalReset(t *testing.T) {
	c := &CancelSignal{}
	c.RequestTurnCancel()
	c.RequestToolCallCancel()
	c.RequestRetrySleepCancel()
	c.Reset()
	if c.TurnRequested() || c.ToolCallRequested() || c.RetrySleepRequested() {
		t.Fatal("expected Reset to clear every sub-flag")
	}
}
