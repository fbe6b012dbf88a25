package subs

import (
	"errors"
	"testing"

	"gridlink/errcode"
)

func alwaysExists(string, string) bool { return true }

func TestSubRequiresGroup(t *testing.T) {
	tbl := NewTable(func(driver, group string) bool { return group == "g1" })

	if err := tbl.Sub("d1", "a1", "g1", "", "a1"); err != nil {
		t.Fatalf("sub: %v", err)
	}
	err := tbl.Sub("d1", "a1", "missing", "", "a1")
	if !errors.Is(err, errcode.ErrGroupNotExist) {
		t.Fatalf("expected GroupNotExist, got %v", err)
	}
}

func TestSubIdempotent(t *testing.T) {
	tbl := NewTable(alwaysExists)

	if err := tbl.Sub("d1", "a1", "g1", "topic-a", "a1"); err != nil {
		t.Fatalf("first sub: %v", err)
	}
	if err := tbl.Sub("d1", "a1", "g1", "topic-b", "a1"); err != nil {
		t.Fatalf("second sub must succeed: %v", err)
	}
	if tbl.Size() != 1 {
		t.Fatalf("expected 1 subscription, got %d", tbl.Size())
	}
	list := tbl.Subscribers("d1", "g1")
	if len(list) != 1 || list[0].Params != "topic-b" {
		t.Errorf("repeat sub did not update params: %+v", list)
	}
}

func TestUnsubMissingIsNoop(t *testing.T) {
	tbl := NewTable(alwaysExists)
	tbl.Unsub("d1", "a1", "g1") // must not panic or error
}

func TestUnsubAll(t *testing.T) {
	tbl := NewTable(alwaysExists)
	tbl.Sub("d1", "a1", "g1", "", "a1")
	tbl.Sub("d1", "a1", "g2", "", "a1")
	tbl.Sub("d2", "a1", "g1", "", "a1")
	tbl.Sub("d1", "a2", "g1", "", "a2")

	removed := tbl.UnsubAll("a1")
	if len(removed) != 3 {
		t.Fatalf("expected 3 removed, got %d", len(removed))
	}
	if tbl.Size() != 1 {
		t.Errorf("expected 1 remaining, got %d", tbl.Size())
	}
	if len(tbl.FindByApp("a1")) != 0 {
		t.Error("a1 still has subscriptions")
	}
}

func TestDriverRenameCascade(t *testing.T) {
	tbl := NewTable(alwaysExists)
	tbl.Sub("d1", "a1", "g1", "params", "a1")

	tbl.UpdateDriverName("d1", "d1b")

	if len(tbl.Subscribers("d1b", "g1")) != 1 {
		t.Error("lookup by new driver name failed")
	}
	if len(tbl.Subscribers("d1", "g1")) != 0 {
		t.Error("lookup by old driver name still succeeds")
	}
	got := tbl.FindByApp("a1")
	if len(got) != 1 || got[0].Driver != "d1b" || got[0].Params != "params" {
		t.Errorf("identity not preserved: %+v", got)
	}
}

func TestAppRenameCascade(t *testing.T) {
	tbl := NewTable(alwaysExists)
	tbl.Sub("d1", "a1", "g1", "", "a1")
	tbl.Sub("d2", "a1", "g2", "", "a1")

	tbl.UpdateAppName("a1", "a1b", "a1b")

	if len(tbl.FindByApp("a1")) != 0 {
		t.Error("old app name still present")
	}
	got := tbl.FindByApp("a1b")
	if len(got) != 2 {
		t.Fatalf("expected 2 subscriptions for new name, got %d", len(got))
	}
	if got[0].AppAddr != "a1b" {
		t.Error("mailbox address did not follow the rename")
	}
}

func TestGroupRenameCascade(t *testing.T) {
	tbl := NewTable(alwaysExists)
	tbl.Sub("d1", "a1", "g1", "", "a1")

	tbl.UpdateGroupName("d1", "g1", "g1b")

	if len(tbl.Subscribers("d1", "g1b")) != 1 {
		t.Error("lookup by new group name failed")
	}
	if len(tbl.Subscribers("d1", "g1")) != 0 {
		t.Error("lookup by old group name still succeeds")
	}
}

func TestDropDriver(t *testing.T) {
	tbl := NewTable(alwaysExists)
	tbl.Sub("d1", "a1", "g1", "", "a1")
	tbl.Sub("d1", "a2", "g1", "", "a2")
	tbl.Sub("d2", "a1", "g1", "", "a1")

	removed := tbl.DropDriver("d1")
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed, got %d", len(removed))
	}
	if len(tbl.FindByDriver("d1")) != 0 {
		t.Error("d1 subscriptions remain")
	}
	if len(tbl.FindByDriver("d2")) != 1 {
		t.Error("d2 subscriptions disturbed")
	}
}

func TestUpdateParamsMissing(t *testing.T) {
	tbl := NewTable(alwaysExists)
	err := tbl.UpdateParams("d1", "a1", "g1", "x")
	if !errors.Is(err, errcode.ErrGroupNotSubscribe) {
		t.Errorf("expected GroupNotSubscribe, got %v", err)
	}
}
