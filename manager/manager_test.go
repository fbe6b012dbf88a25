package manager

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"gridlink/bus"
	"gridlink/errcode"
	"gridlink/metrics"
	"gridlink/msg"
	"gridlink/plugin"
	"gridlink/plugins/sim"
	"gridlink/store"
	"gridlink/tag"
)

var testPort int32 = 14300

// captureApp is a minimal app plugin recording the envelopes its
// adapter hands it.
type captureApp struct {
	envs chan *msg.Envelope
}

func (c *captureApp) Init(plugin.CallbackTable, bool) error { return nil }
func (c *captureApp) Uninit() error                         { return nil }
func (c *captureApp) Start() error                          { return nil }
func (c *captureApp) Stop() error                           { return nil }
func (c *captureApp) Setting(string) error                  { return nil }
func (c *captureApp) Request(env *msg.Envelope) error {
	select {
	case c.envs <- env:
	default:
	}
	return nil
}

func captureDescriptor(envs chan *msg.Envelope) *plugin.Descriptor {
	return &plugin.Descriptor{
		Version: "1.0.0",
		Name:    "capture",
		Kind:    plugin.KindApp,
		Open:    func() plugin.Instance { return &captureApp{envs: envs} },
	}
}

type testGateway struct {
	m    *Manager
	b    *bus.Bus
	envs chan *msg.Envelope
}

func newTestGateway(t *testing.T, st *store.Store) *testGateway {
	t.Helper()
	metrics.Teardown()
	t.Cleanup(metrics.Teardown)

	port := int(atomic.AddInt32(&testPort, 1))
	b, err := bus.StartEmbedded(port)
	if err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(b.Close)

	reg := plugin.NewRegistry()
	reg.Register(sim.Descriptor)
	envs := make(chan *msg.Envelope, 128)
	reg.Register(captureDescriptor(envs))

	m, err := New(Config{Bus: b, Store: st, Plugins: reg})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(m.Close)
	return &testGateway{m: m, b: b, envs: envs}
}

// seed creates driver d1 (group g1 with t1/t2) and app a1 subscribed
// to (d1, g1) — the spec's seed data.
func seed(t *testing.T, gw *testGateway) {
	t.Helper()
	m := gw.m
	if err := m.AddNode("d1", plugin.KindDriver, "sim", ""); err != nil {
		t.Fatalf("add driver: %v", err)
	}
	if err := m.AddGroup("d1", "g1", 50*time.Millisecond); err != nil {
		t.Fatalf("add group: %v", err)
	}
	static := &tag.Tag{Name: "t2", Address: "1!2", Type: tag.TypeFloat, Attribute: tag.AttrStatic}
	if err := static.SetStatic(tag.FloatValue(tag.TypeFloat, 3.14)); err != nil {
		t.Fatalf("set static: %v", err)
	}
	tags := []*tag.Tag{
		{Name: "t1", Address: "1!400001", Type: tag.TypeInt16, Attribute: tag.AttrRead | tag.AttrWrite},
		static,
	}
	if err := m.AddTags("d1", "g1", tags); err != nil {
		t.Fatalf("add tags: %v", err)
	}
	if err := m.AddNode("a1", plugin.KindApp, "capture", ""); err != nil {
		t.Fatalf("add app: %v", err)
	}
	if err := m.Subscribe("a1", "d1", "g1", `{"topic":"plant/g1"}`); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
}

func waitTransData(t *testing.T, gw *testGateway, n int) []*msg.TransDataBody {
	t.Helper()
	var out []*msg.TransDataBody
	deadline := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case env := <-gw.envs:
			if env.Type == msg.TransData {
				out = append(out, env.Body.(*msg.TransDataBody))
			}
		case <-deadline:
			t.Fatalf("got %d snapshots, want %d", len(out), n)
		}
	}
	return out
}

func TestPollingEndToEnd(t *testing.T) {
	gw := newTestGateway(t, nil)
	seed(t, gw)

	if err := gw.m.NodeCtl("d1", msg.CtlStart); err != nil {
		t.Fatalf("start driver: %v", err)
	}

	snaps := waitTransData(t, gw, 2)
	for i, snap := range snaps {
		if snap.Driver != "d1" || snap.Group != "g1" {
			t.Fatalf("snapshot %d routed wrong: %+v", i, snap)
		}
		var sawT1, sawT2 bool
		for _, v := range snap.Values {
			switch v.Name {
			case "t1":
				sawT1 = true
			case "t2":
				sawT2 = true
				if f, ok := v.Value.(float64); !ok || f != 3.14 {
					t.Errorf("static value wrong: %v", v.Value)
				}
			}
		}
		if !sawT1 || !sawT2 {
			t.Errorf("snapshot %d missing tags: %+v", i, snap.Values)
		}
	}
}

func TestAddTagConflict(t *testing.T) {
	gw := newTestGateway(t, nil)
	seed(t, gw)

	err := gw.m.AddTags("d1", "g1", []*tag.Tag{
		{Name: "t1", Address: "1!400002", Type: tag.TypeInt16, Attribute: tag.AttrRead},
	})
	if !errors.Is(err, errcode.ErrTagNameConflict) {
		t.Fatalf("expected TagNameConflict, got %v", err)
	}

	tags, err := gw.m.GetTags("d1", "g1", "", "")
	if err != nil {
		t.Fatalf("get tags: %v", err)
	}
	if len(tags) != 2 {
		t.Errorf("expected 2 tags after conflict, got %d", len(tags))
	}
}

func TestRenameCascade(t *testing.T) {
	gw := newTestGateway(t, nil)
	seed(t, gw)

	if err := gw.m.RenameNode("d1", "d1b"); err != nil {
		t.Fatalf("rename: %v", err)
	}

	if len(gw.m.Subscriptions().Subscribers("d1b", "g1")) != 1 {
		t.Error("lookup by new name failed")
	}
	if len(gw.m.Subscriptions().Subscribers("d1", "g1")) != 0 {
		t.Error("lookup by old name still succeeds")
	}

	// snapshots flow under the new name
	if err := gw.m.NodeCtl("d1b", msg.CtlStart); err != nil {
		t.Fatalf("start renamed driver: %v", err)
	}
	snaps := waitTransData(t, gw, 1)
	if snaps[0].Driver != "d1b" {
		t.Errorf("snapshot carries old driver name: %+v", snaps[0])
	}
}

func TestDeleteDriverCascade(t *testing.T) {
	gw := newTestGateway(t, nil)
	seed(t, gw)

	if err := gw.m.DelNode("d1"); err != nil {
		t.Fatalf("delete driver: %v", err)
	}

	// exactly one NODE_DELETED arrives at a1
	var deletions int
	deadline := time.After(2 * time.Second)
	for deletions == 0 {
		select {
		case env := <-gw.envs:
			if env.Type == msg.NodeDeleted {
				if env.Body.(*msg.NodeDeletedBody).Node != "d1" {
					t.Errorf("wrong node in notice: %+v", env.Body)
				}
				deletions++
			}
		case <-deadline:
			t.Fatal("no NODE_DELETED received")
		}
	}
	// drain a little longer: no duplicates
	time.Sleep(100 * time.Millisecond)
	for {
		select {
		case env := <-gw.envs:
			if env.Type == msg.NodeDeleted {
				deletions++
			}
			continue
		default:
		}
		break
	}
	if deletions != 1 {
		t.Errorf("expected exactly 1 NODE_DELETED, got %d", deletions)
	}

	if len(gw.m.Subscriptions().FindByDriver("d1")) != 0 {
		t.Error("subscription table still references d1")
	}
	if _, err := gw.m.GetNode("d1"); !errors.Is(err, errcode.ErrNodeNotExist) {
		t.Errorf("expected NodeNotExist, got %v", err)
	}
}

func TestWriteEndToEnd(t *testing.T) {
	gw := newTestGateway(t, nil)
	seed(t, gw)

	if err := gw.m.NodeCtl("d1", msg.CtlStart); err != nil {
		t.Fatalf("start driver: %v", err)
	}

	resp, err := gw.m.WriteTagSync("d1", "g1", "t1", json.RawMessage(`42`))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if resp.Error != errcode.Success {
		t.Fatalf("write failed: %+v", resp)
	}
	if len(resp.Tags) != 1 || resp.Tags[0].Error != errcode.Success {
		t.Fatalf("per-tag result wrong: %+v", resp.Tags)
	}

	// the written value reads back on the next snapshot
	deadline := time.After(3 * time.Second)
	for {
		select {
		case env := <-gw.envs:
			if env.Type != msg.TransData {
				continue
			}
			for _, v := range env.Body.(*msg.TransDataBody).Values {
				if v.Name == "t1" {
					if f, ok := v.Value.(float64); ok && f == 42 {
						return
					}
				}
			}
		case <-deadline:
			t.Fatal("written value never observed in a snapshot")
		}
	}
}

func TestWriteUnknownTag(t *testing.T) {
	gw := newTestGateway(t, nil)
	seed(t, gw)
	gw.m.NodeCtl("d1", msg.CtlStart)

	resp, err := gw.m.WriteTagSync("d1", "g1", "nope", json.RawMessage(`1`))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if resp.Error != errcode.TagNotExist {
		t.Errorf("expected TagNotExist, got %+v", resp)
	}
}

func TestReadGroupSync(t *testing.T) {
	gw := newTestGateway(t, nil)
	seed(t, gw)
	gw.m.NodeCtl("d1", msg.CtlStart)

	body, err := gw.m.ReadGroupSync("d1", "g1")
	if err != nil {
		t.Fatalf("read group: %v", err)
	}
	if body.Group != "g1" || len(body.Values) != 2 {
		t.Errorf("unexpected read result: %+v", body)
	}
}

func TestSubscribeRequiresGroup(t *testing.T) {
	gw := newTestGateway(t, nil)
	seed(t, gw)

	err := gw.m.Subscribe("a1", "d1", "missing", "")
	if !errors.Is(err, errcode.ErrGroupNotExist) {
		t.Errorf("expected GroupNotExist, got %v", err)
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	gw := newTestGateway(t, nil)
	seed(t, gw)

	if err := gw.m.Subscribe("a1", "d1", "g1", "updated"); err != nil {
		t.Fatalf("repeat subscribe: %v", err)
	}
	list := gw.m.Subscriptions().Subscribers("d1", "g1")
	if len(list) != 1 || list[0].Params != "updated" {
		t.Errorf("repeat subscribe did not update params: %+v", list)
	}
}

func TestDeleteAppUnsubscribes(t *testing.T) {
	gw := newTestGateway(t, nil)
	seed(t, gw)

	if err := gw.m.DelNode("a1"); err != nil {
		t.Fatalf("delete app: %v", err)
	}
	if gw.m.Subscriptions().Size() != 0 {
		t.Error("subscriptions survived app deletion")
	}
}

func TestGroupMaxPerNode(t *testing.T) {
	gw := newTestGateway(t, nil)
	seed(t, gw)

	reqs := []DriverRequest{{
		Name:   "big",
		Plugin: "sim",
		Groups: make([]msg.GTagGroup, GroupMaxPerNode+1),
	}}
	err := gw.m.AddDrivers(reqs)
	if !errors.Is(err, errcode.ErrGroupMaxGroups) {
		t.Errorf("expected GroupMaxGroups, got %v", err)
	}
}

func TestAddDriversRollback(t *testing.T) {
	gw := newTestGateway(t, nil)

	reqs := []DriverRequest{
		{
			Name: "ok1", Plugin: "sim",
			Groups: []msg.GTagGroup{{Group: "g", Interval: time.Second, Tags: []*tag.Tag{
				{Name: "t", Address: "1!1", Type: tag.TypeInt16, Attribute: tag.AttrRead},
			}}},
		},
		{
			Name: "bad", Plugin: "sim",
			Groups: []msg.GTagGroup{{Group: "g", Interval: time.Second, Tags: []*tag.Tag{
				{Name: "t", Address: "not-numeric", Type: tag.TypeInt16, Attribute: tag.AttrRead},
			}}},
		},
	}
	if err := gw.m.AddDrivers(reqs); err == nil {
		t.Fatal("expected AddDrivers to fail on the bad address")
	}
	// the previously added driver was rolled back
	if _, err := gw.m.GetNode("ok1"); !errors.Is(err, errcode.ErrNodeNotExist) {
		t.Errorf("ok1 survived the rollback: %v", err)
	}
	if _, err := gw.m.GetNode("bad"); !errors.Is(err, errcode.ErrNodeNotExist) {
		t.Errorf("bad exists: %v", err)
	}
}

func TestAddDriversReplacesExisting(t *testing.T) {
	gw := newTestGateway(t, nil)
	seed(t, gw)

	reqs := []DriverRequest{{
		Name: "d1", Plugin: "sim",
		Groups: []msg.GTagGroup{{Group: "fresh", Interval: time.Second, Tags: []*tag.Tag{
			{Name: "t", Address: "1!1", Type: tag.TypeInt16, Attribute: tag.AttrRead},
		}}},
	}}
	if err := gw.m.AddDrivers(reqs); err != nil {
		t.Fatalf("add drivers: %v", err)
	}
	groups, err := gw.m.GetGroups("d1")
	if err != nil {
		t.Fatalf("get groups: %v", err)
	}
	if len(groups) != 1 || groups[0].Name != "fresh" {
		t.Errorf("old node not replaced: %+v", groups)
	}
}

func TestDuplicateNode(t *testing.T) {
	gw := newTestGateway(t, nil)
	seed(t, gw)

	err := gw.m.AddNode("d1", plugin.KindDriver, "sim", "")
	if !errors.Is(err, errcode.ErrNodeExist) {
		t.Errorf("expected NodeExist, got %v", err)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	stPath := filepath.Join(dir, "gridlink.db")

	st, err := store.Open(stPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	gw := newTestGateway(t, st)
	seed(t, gw)
	if err := gw.m.NodeCtl("d1", msg.CtlStart); err != nil {
		t.Fatalf("start: %v", err)
	}
	gw.m.Close()
	gw.b.Close()
	st.Close()

	// reboot
	st2, err := store.Open(stPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	gw2 := newTestGateway(t, st2)
	if err := gw2.m.LoadFromStore(); err != nil {
		t.Fatalf("load from store: %v", err)
	}

	info, err := gw2.m.GetNode("d1")
	if err != nil {
		t.Fatalf("d1 not restored: %v", err)
	}
	if info.State != plugin.StateRunning {
		t.Errorf("running state not restored: %s", info.State)
	}
	tags, err := gw2.m.GetTags("d1", "g1", "", "")
	if err != nil || len(tags) != 2 {
		t.Fatalf("tags not restored: %v (%d)", err, len(tags))
	}
	if gw2.m.Subscriptions().Size() != 1 {
		t.Error("subscription not restored")
	}

	// restored driver polls again
	snaps := waitTransData(t, gw2, 1)
	if snaps[0].Driver != "d1" {
		t.Errorf("restored driver publishes wrong name: %+v", snaps[0])
	}
}
