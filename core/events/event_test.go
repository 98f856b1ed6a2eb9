package events

import (
	"testing"

	"d2dtreasury/core/types"
)

func TestFanoutDeliversToEveryMember(t *testing.T) {
	first := NewRecorder(0)
	second := NewRecorder(0)
	var seen int
	fan := Fanout{first, nil, second, EmitterFunc(func(Event) { seen++ })}

	fan.Emit(Typed{Evt: &types.Event{Type: "treasury.sol_staked"}})

	if got := first.Types(); len(got) != 1 || got[0] != "treasury.sol_staked" {
		t.Fatalf("unexpected events on first recorder: %v", got)
	}
	if len(second.Events()) != 1 || seen != 1 {
		t.Fatalf("fanout skipped a member")
	}
}

func TestRecorderLimit(t *testing.T) {
	rec := NewRecorder(2)
	for _, typ := range []string{"a", "b", "c"} {
		rec.Emit(Typed{Evt: &types.Event{Type: typ}})
	}
	got := rec.Types()
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("unexpected retained events: %v", got)
	}
	rec.Reset()
	if len(rec.Events()) != 0 {
		t.Fatalf("reset did not clear events")
	}
}

func TestEnvelopeOf(t *testing.T) {
	env, ok := EnvelopeOf(Typed{Evt: &types.Event{Type: "x", Attributes: map[string]string{"k": "v"}}})
	if !ok || env.Attr("k") != "v" {
		t.Fatalf("expected envelope with attribute")
	}
	if _, ok := EnvelopeOf(Typed{}); ok {
		t.Fatalf("nil envelope must not be reported")
	}
}
