package store

import (
	"path/filepath"
	"testing"
	"time"

	"gridlink/tag"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "gridlink.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNodeRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveNode(NodeRow{Name: "d1", Kind: 1, Plugin: "modbus", Setting: `{"host":"x"}`, State: 3}); err != nil {
		t.Fatalf("save: %v", err)
	}
	// update in place
	if err := s.SaveNode(NodeRow{Name: "d1", Kind: 1, Plugin: "modbus", Setting: `{"host":"y"}`, State: 2}); err != nil {
		t.Fatalf("resave: %v", err)
	}

	nodes, err := s.LoadNodes()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Setting != `{"host":"y"}` || nodes[0].State != 2 {
		t.Errorf("unexpected nodes: %+v", nodes)
	}
}

func TestDeleteNodeCascades(t *testing.T) {
	s := openTestStore(t)

	s.SaveNode(NodeRow{Name: "d1", Kind: 1, Plugin: "modbus"})
	s.SaveGroup(GroupRow{Driver: "d1", Name: "g1", Interval: time.Second})
	s.SaveTag("d1", "g1", &tag.Tag{Name: "t1", Address: "1!400001", Type: tag.TypeInt16})
	s.SaveSubscription(SubscriptionRow{App: "a1", Driver: "d1", Group: "g1"})

	if err := s.DeleteNode("d1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	groups, _ := s.LoadGroups()
	if len(groups) != 0 {
		t.Error("groups not cascaded")
	}
	tags, _ := s.LoadTags("d1", "g1")
	if len(tags) != 0 {
		t.Error("tags not cascaded")
	}
	subsRows, _ := s.LoadSubscriptions()
	if len(subsRows) != 0 {
		t.Error("subscriptions not cascaded")
	}
}

func TestGroupRoundTrip(t *testing.T) {
	s := openTestStore(t)

	s.SaveGroup(GroupRow{Driver: "d1", Name: "g1", Interval: 1500 * time.Millisecond})
	groups, err := s.LoadGroups()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(groups) != 1 || groups[0].Interval != 1500*time.Millisecond {
		t.Errorf("unexpected groups: %+v", groups)
	}
}

func TestTagRoundTripWithStatic(t *testing.T) {
	s := openTestStore(t)

	st := &tag.Tag{Name: "pi", Address: "1!1", Type: tag.TypeFloat, Attribute: tag.AttrStatic}
	if err := st.SetStatic(tag.FloatValue(tag.TypeFloat, 3.14)); err != nil {
		t.Fatalf("set static: %v", err)
	}
	if err := s.SaveTag("d1", "g1", st); err != nil {
		t.Fatalf("save: %v", err)
	}

	tags, err := s.LoadTags("d1", "g1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(tags) != 1 {
		t.Fatalf("expected 1 tag, got %d", len(tags))
	}
	v, err := tags[0].GetStatic()
	if err != nil {
		t.Fatalf("static lost: %v", err)
	}
	if v.F64 != 3.14 {
		t.Errorf("static value wrong: %v", v.F64)
	}
}

func TestUpdateNodeName(t *testing.T) {
	s := openTestStore(t)

	s.SaveNode(NodeRow{Name: "d1", Kind: 1, Plugin: "modbus"})
	s.SaveGroup(GroupRow{Driver: "d1", Name: "g1", Interval: time.Second})
	s.SaveTag("d1", "g1", &tag.Tag{Name: "t1", Type: tag.TypeInt16})
	s.SaveSubscription(SubscriptionRow{App: "a1", Driver: "d1", Group: "g1"})

	if err := s.UpdateNodeName("d1", "d1b"); err != nil {
		t.Fatalf("rename: %v", err)
	}

	nodes, _ := s.LoadNodes()
	if len(nodes) != 1 || nodes[0].Name != "d1b" {
		t.Errorf("node not renamed: %+v", nodes)
	}
	groups, _ := s.LoadGroups()
	if len(groups) != 1 || groups[0].Driver != "d1b" {
		t.Errorf("group driver not renamed: %+v", groups)
	}
	tags, _ := s.LoadTags("d1b", "g1")
	if len(tags) != 1 {
		t.Error("tags did not follow the rename")
	}
	subsRows, _ := s.LoadSubscriptions()
	if len(subsRows) != 1 || subsRows[0].Driver != "d1b" {
		t.Errorf("subscription driver not renamed: %+v", subsRows)
	}
}

func TestDeleteGroupCascades(t *testing.T) {
	s := openTestStore(t)

	s.SaveGroup(GroupRow{Driver: "d1", Name: "g1", Interval: time.Second})
	s.SaveTags("d1", "g1", []*tag.Tag{
		{Name: "t1", Type: tag.TypeInt16},
		{Name: "t2", Type: tag.TypeFloat},
	})
	s.SaveSubscription(SubscriptionRow{App: "a1", Driver: "d1", Group: "g1"})

	if err := s.DeleteGroup("d1", "g1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	tags, _ := s.LoadTags("d1", "g1")
	if len(tags) != 0 {
		t.Error("tags not cascaded")
	}
	subsRows, _ := s.LoadSubscriptions()
	if len(subsRows) != 0 {
		t.Error("subscriptions not cascaded")
	}
}

func TestSubscriptionUpsert(t *testing.T) {
	s := openTestStore(t)

	s.SaveSubscription(SubscriptionRow{App: "a1", Driver: "d1", Group: "g1", Params: "topic-a"})
	s.SaveSubscription(SubscriptionRow{App: "a1", Driver: "d1", Group: "g1", Params: "topic-b"})

	rows, err := s.LoadSubscriptions()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rows) != 1 || rows[0].Params != "topic-b" {
		t.Errorf("upsert failed: %+v", rows)
	}
}
