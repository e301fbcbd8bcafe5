package cache

import (
	"testing"
	"time"

	"github.com/kljama/netmon/internal/device"
)

func TestGetSetRoundtrip(t *testing.T) {
	c := New()
	c.Set(DeviceKey("dev-1"), "payload", time.Minute)

	v, ok := c.Get(DeviceKey("dev-1"))
	if !ok {
		t.Fatal("expected a hit")
	}
	if v.(string) != "payload" {
		t.Errorf("got %v", v)
	}
}

func TestExpiredEntryMisses(t *testing.T) {
	c := New()
	c.Set(DeviceKey("dev-1"), "payload", -time.Second)
	if _, ok := c.Get(DeviceKey("dev-1")); ok {
		t.Fatal("expired entry must miss")
	}
}

func TestOnTransitionEvictsDeviceAndLists(t *testing.T) {
	c := New()
	c.Set(DeviceKey("dev-1"), 1, time.Minute)
	c.Set(DeviceKey("dev-2"), 2, time.Minute)
	c.Set(DeviceListKey("all"), 3, time.Minute)
	c.Set(DeviceListKey("down"), 4, time.Minute)
	c.Set(ISPStatusKey(), 5, time.Minute)
	c.Set(RuleListKey(), 6, time.Minute)

	c.OnTransition(device.ID("dev-1"))

	for _, key := range []string{DeviceKey("dev-1"), DeviceListKey("all"), DeviceListKey("down"), ISPStatusKey()} {
		if _, ok := c.Get(key); ok {
			t.Errorf("key %q should be evicted after a transition", key)
		}
	}
	if _, ok := c.Get(DeviceKey("dev-2")); !ok {
		t.Error("unrelated device entries must survive")
	}
	if _, ok := c.Get(RuleListKey()); !ok {
		t.Error("rule aggregates are not touched by device transitions")
	}
}

func TestOnAlertChangeEvictsRuleList(t *testing.T) {
	c := New()
	c.Set(RuleListKey(), 1, time.Minute)
	c.Set(DeviceKey("dev-1"), 2, time.Minute)

	c.OnAlertChange()

	if _, ok := c.Get(RuleListKey()); ok {
		t.Error("rule list should be evicted on alert change")
	}
	if _, ok := c.Get(DeviceKey("dev-1")); !ok {
		t.Error("device entries must survive alert changes")
	}
}

func TestPruneDropsOnlyExpired(t *testing.T) {
	c := New()
	c.Set("a", 1, -time.Second)
	c.Set("b", 2, time.Minute)

	if removed := c.Prune(); removed != 1 {
		t.Errorf("pruned %d entries, want 1", removed)
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("fresh entry must survive prune")
	}
}
