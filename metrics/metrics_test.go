package metrics

import (
	"strings"
	"testing"
)

func freshRegistry(t *testing.T) *Registry {
	t.Helper()
	Teardown()
	t.Cleanup(Teardown)
	return Init()
}

func TestCounterAndGauge(t *testing.T) {
	r := freshRegistry(t)
	n := r.AddNode("d1", "driver", "modbus")

	c := n.Entry(MetricTagReadsTotal, "Total tag reads", Counter)
	c.Add(3)
	c.Add(2)
	if c.Value() != 5 {
		t.Errorf("counter: expected 5, got %d", c.Value())
	}

	g := n.Entry(MetricLastRTTMS, "Last poll round trip", Gauge)
	g.Set(42)
	g.Set(17)
	if g.Value() != 17 {
		t.Errorf("gauge: expected 17, got %d", g.Value())
	}
}

func TestEntryReuse(t *testing.T) {
	r := freshRegistry(t)
	n := r.AddNode("d1", "driver", "modbus")
	a := n.Entry("x", "h", Counter)
	b := n.Entry("x", "different help ignored", Counter)
	if a != b {
		t.Error("same name must return the same entry")
	}
}

func TestRefcounts(t *testing.T) {
	r := freshRegistry(t)
	r.RegisterName("tag_reads_total")
	r.RegisterName("tag_reads_total")
	if r.Refs("tag_reads_total") != 2 {
		t.Errorf("expected refcount 2, got %d", r.Refs("tag_reads_total"))
	}
	r.UnregisterName("tag_reads_total")
	if r.Refs("tag_reads_total") != 1 {
		t.Errorf("expected refcount 1, got %d", r.Refs("tag_reads_total"))
	}
	r.UnregisterName("tag_reads_total")
	r.UnregisterName("tag_reads_total") // extra unregister is safe
	if r.Refs("tag_reads_total") != 0 {
		t.Errorf("expected refcount 0, got %d", r.Refs("tag_reads_total"))
	}
}

func TestVisitSnapshotsNodeCounts(t *testing.T) {
	r := freshRegistry(t)
	r.AddNode("d1", "driver", "modbus").
		Entry(MetricTransDataTotal, "Snapshots published", Counter).Add(7)
	r.AddNode("a1", "app", "mqtt")

	r.SetStateProvider(func() []NodeStateInfo {
		return []NodeStateInfo{
			{Node: "d1", Kind: "driver", Running: stateRunning, Link: 2},
			{Node: "a1", Kind: "app", Running: 2, Link: linkDisconnected},
		}
	})

	var visits int
	r.Visit(func(s *Snapshot) {
		visits++
		if _, ok := s.Nodes["d1"]; !ok {
			t.Error("d1 missing from snapshot")
		}
		find := func(name string) int64 {
			for _, e := range s.Global {
				if e.Name == name {
					return e.Value
				}
			}
			t.Fatalf("global metric %s missing", name)
			return 0
		}
		if find(MetricSouthRunning) != 1 {
			t.Error("south running count wrong")
		}
		if find(MetricNorthDisconn) != 1 {
			t.Error("north disconnected count wrong")
		}
	})
	if visits != 1 {
		t.Fatalf("visitor called %d times", visits)
	}
}

func TestRenameNode(t *testing.T) {
	r := freshRegistry(t)
	n := r.AddNode("d1", "driver", "modbus")
	n.Entry("x", "h", Counter).Add(1)

	r.RenameNode("d1", "d1b")
	if _, ok := r.Node("d1"); ok {
		t.Error("old name still resolves")
	}
	got, ok := r.Node("d1b")
	if !ok {
		t.Fatal("new name does not resolve")
	}
	if e, ok := got.Find("x"); !ok || e.Value() != 1 {
		t.Error("entry lost across rename")
	}
}

func TestRender(t *testing.T) {
	r := freshRegistry(t)
	n := r.AddNode("d1", "driver", "modbus")
	n.Entry(MetricTagReadsTotal, "Total tag reads", Counter).Add(9)

	var sb strings.Builder
	r.Visit(func(s *Snapshot) { Render(&sb, s) })
	out := sb.String()

	if !strings.Contains(out, "# HELP tag_reads_total Total tag reads") {
		t.Errorf("missing HELP line:\n%s", out)
	}
	if !strings.Contains(out, "# TYPE tag_reads_total counter") {
		t.Errorf("missing TYPE line:\n%s", out)
	}
	if !strings.Contains(out, `tag_reads_total{node="d1",kind="driver",plugin="modbus"} 9`) {
		t.Errorf("missing sample line:\n%s", out)
	}
}

func TestRollingCounter(t *testing.T) {
	r := freshRegistry(t)
	n := r.AddNode("a1", "app", "mqtt")
	e := n.Entry(MetricCacheMsgsTotal, "Cached messages", RollingCounter)
	e.Add(2)
	e.Add(3)
	if e.Value() != 5 {
		t.Errorf("rolling counter: expected 5, got %d", e.Value())
	}
}
