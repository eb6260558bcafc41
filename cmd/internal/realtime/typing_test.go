package realtime

import (
	"testing"

	v1 "chatline/shared/contracts/realtime/v1"
)

func TestTyping_GeneralFanOutExcludesActor(t *testing.T) {
	t.Parallel()

	core := newTestCore(t, coreOptions{})
	a := connect(core, 1)
	b := connect(core, 2, a)
	c := connect(core, 3, a, b)

	core.Typing.StartTyping(a, 1, GeneralScope(), "alice")

	if got := drain(a); len(got) != 0 {
		t.Fatalf("actor must not receive its own typing event: %v", types(got))
	}
	for _, peer := range []*Client{b, c} {
		envs := drain(peer)
		if len(envs) != 1 || envs[0].Type != v1.TypeTypingChanged {
			t.Fatalf("peer events=%v", types(envs))
		}
		p := decode[v1.TypingChangedPayload](t, envs[0])
		if p.UserID != 1 || !p.Typing || p.Username != "alice" || p.ChatType != "general" || p.ChatID != "general" {
			t.Fatalf("unexpected payload: %+v", p)
		}
	}
	if got := core.Typing.Typing(GeneralScope()); len(got) != 1 || got[0] != 1 {
		t.Fatalf("Typing(general)=%v", got)
	}
}

func TestTyping_PrivateOnlyPeer(t *testing.T) {
	t.Parallel()

	core := newTestCore(t, coreOptions{})
	a := connect(core, 1)
	b := connect(core, 2, a)
	c := connect(core, 3, a, b)

	core.Typing.StartTyping(a, 1, PrivateScope(1, 2), "")

	if got := drain(c); len(got) != 0 {
		t.Fatalf("outsider received %v", types(got))
	}
	envs := drain(b)
	if len(envs) != 1 {
		t.Fatalf("peer events=%v", types(envs))
	}
	p := decode[v1.TypingChangedPayload](t, envs[0])
	// The peer files the indicator under the typer's id.
	if p.ChatType != "private" || p.ChatID != "1" || p.Username != "User 1" {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestTyping_StopRemovesEmptyScope(t *testing.T) {
	t.Parallel()

	core := newTestCore(t, coreOptions{})
	a := connect(core, 1)
	b := connect(core, 2, a)

	scope := PrivateScope(1, 2)
	core.Typing.StartTyping(a, 1, scope, "")
	core.Typing.StartTyping(b, 2, scope, "")
	if got := core.Typing.Typing(scope); len(got) != 2 {
		t.Fatalf("Typing=%v", got)
	}

	core.Typing.StopTyping(a, 1, scope, "")
	core.Typing.StopTyping(b, 2, scope, "")
	if core.Typing.Len() != 0 {
		t.Fatalf("empty typing set must be removed, Len=%d", core.Typing.Len())
	}

	// Stopping again is harmless and still emits.
	drain(b)
	core.Typing.StopTyping(a, 1, scope, "")
	if envs := drain(b); len(envs) != 1 {
		t.Fatalf("stop must emit even when not typing: %v", types(envs))
	}
}

func TestTyping_ClearUser(t *testing.T) {
	t.Parallel()

	core := newTestCore(t, coreOptions{})
	core.Typing.StartTyping(nil, 1, GeneralScope(), "")
	core.Typing.StartTyping(nil, 1, PrivateScope(1, 2), "")
	core.Typing.StartTyping(nil, 3, GeneralScope(), "")

	cleared := core.Typing.ClearUser(1)
	if len(cleared) != 2 {
		t.Fatalf("cleared=%v", cleared)
	}
	if got := core.Typing.Typing(GeneralScope()); len(got) != 1 || got[0] != 3 {
		t.Fatalf("Typing(general)=%v", got)
	}
	if core.Typing.Len() != 1 {
		t.Fatalf("Len=%d want 1", core.Typing.Len())
	}
}
