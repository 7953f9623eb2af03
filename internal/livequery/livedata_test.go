package livequery

import (
	"encoding/json"
	"testing"
)

func TestLiveDataGetReturnsLatest(t *testing.T) {
	d := newLiveData(json.RawMessage(`"v1"`))
	if string(d.Get()) != `"v1"` {
		t.Fatalf("initial value wrong: %s", d.Get())
	}
	d.Set(json.RawMessage(`"v2"`))
	if string(d.Get()) != `"v2"` {
		t.Errorf("value after Set wrong: %s", d.Get())
	}
}

func TestLiveDataNotifiesEveryListener(t *testing.T) {
	d := newLiveData(nil)
	var a, b []string
	d.Listen(func(v json.RawMessage) { a = append(a, string(v)) })
	d.Listen(func(v json.RawMessage) { b = append(b, string(v)) })

	d.Set(json.RawMessage(`1`))
	d.Set(json.RawMessage(`2`))

	for name, got := range map[string][]string{"a": a, "b": b} {
		if len(got) != 2 || got[0] != "1" || got[1] != "2" {
			t.Errorf("listener %s saw %v, want [1 2]", name, got)
		}
	}
}

func TestLiveDataValueVisibleInsideListener(t *testing.T) {
	d := newLiveData(nil)
	var seen string
	d.Listen(func(json.RawMessage) { seen = string(d.Get()) })
	d.Set(json.RawMessage(`"fresh"`))
	if seen != `"fresh"` {
		t.Errorf("listener read stale value %q", seen)
	}
}

func TestLiveDataRemoveIsIdempotent(t *testing.T) {
	d := newLiveData(nil)
	calls := 0
	remove := d.Listen(func(json.RawMessage) { calls++ })
	other := 0
	d.Listen(func(json.RawMessage) { other++ })

	remove()
	remove()
	d.Set(json.RawMessage(`1`))

	if calls != 0 {
		t.Errorf("removed listener still called %d times", calls)
	}
	if other != 1 {
		t.Errorf("surviving listener called %d times, want 1", other)
	}
}

func TestLiveDataListenerMayRemoveItself(t *testing.T) {
	d := newLiveData(nil)
	calls := 0
	var remove func()
	remove = d.Listen(func(json.RawMessage) {
		calls++
		remove()
	})

	d.Set(json.RawMessage(`1`))
	d.Set(json.RawMessage(`2`))

	if calls != 1 {
		t.Errorf("self-removing listener called %d times, want 1", calls)
	}
}
