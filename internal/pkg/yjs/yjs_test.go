package yjs

import (
	"bytes"
	"testing"
)

func TestVarUintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 255, 16383, 16384, 1<<32 - 1, 1 << 52}
	e := NewEncoder()
	for _, v := range values {
		e.WriteVarUint(v)
	}
	d := NewDecoder(e.Bytes())
	for _, want := range values {
		got, err := d.ReadVarUint()
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("varuint round trip: got %d, want %d", got, want)
		}
	}
	if d.HasContent() {
		t.Fatal("decoder has trailing content")
	}
}

func TestVarIntRoundTrip(t *testing.T) {
	values := []int64{0, 1, -1, 63, -63, 64, -64, 8191, -8192, 1 << 30, -(1 << 30)}
	e := NewEncoder()
	for _, v := range values {
		e.WriteVarInt(v)
	}
	d := NewDecoder(e.Bytes())
	for _, want := range values {
		got, err := d.ReadVarInt()
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("varint round trip: got %d, want %d", got, want)
		}
	}
}

func TestAnyRoundTrip(t *testing.T) {
	values := []any{nil, true, false, "hello", int64(42), int64(-7), 3.25, []any{int64(1), "two"}, map[string]any{"k": "v"}}
	for _, v := range values {
		e := NewEncoder()
		e.WriteAny(v)
		d := NewDecoder(e.Bytes())
		got, err := d.ReadAny()
		if err != nil {
			t.Fatalf("read any %v: %v", v, err)
		}
		switch want := v.(type) {
		case []any:
			arr, ok := got.([]any)
			if !ok || len(arr) != len(want) {
				t.Fatalf("any array mismatch: %v vs %v", got, v)
			}
		case map[string]any:
			m, ok := got.(map[string]any)
			if !ok || len(m) != len(want) {
				t.Fatalf("any map mismatch: %v vs %v", got, v)
			}
		default:
			if got != v {
				t.Fatalf("any mismatch: got %v (%T), want %v (%T)", got, got, v, v)
			}
		}
	}
}

func TestInsertAndSync(t *testing.T) {
	a := NewDoc()
	b := NewDoc()
	at := a.GetText("content")
	bt := b.GetText("content")

	u1, err := at.Insert(0, "Hello ")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.ApplyUpdate(u1, nil); err != nil {
		t.Fatal(err)
	}
	if bt.String() != "Hello " {
		t.Fatalf("b text = %q, want %q", bt.String(), "Hello ")
	}

	u2, err := bt.Insert(6, "world")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.ApplyUpdate(u2, nil); err != nil {
		t.Fatal(err)
	}

	if at.String() != "Hello world" || bt.String() != "Hello world" {
		t.Fatalf("divergence: a=%q b=%q", at.String(), bt.String())
	}
}

func TestApplyUpdateIdempotent(t *testing.T) {
	a := NewDoc()
	b := NewDoc()
	u, err := a.GetText("content").Insert(0, "abc")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := b.ApplyUpdate(u, nil); err != nil {
			t.Fatal(err)
		}
	}
	if got := b.GetText("content").String(); got != "abc" {
		t.Fatalf("text = %q after repeated apply", got)
	}
}

func TestEncodeStateAsUpdateFullDoc(t *testing.T) {
	a := NewDoc()
	at := a.GetText("content")
	if _, err := at.Insert(0, "persisted"); err != nil {
		t.Fatal(err)
	}
	if _, err := at.Insert(9, " state"); err != nil {
		t.Fatal(err)
	}
	if _, err := at.Delete(0, 4); err != nil {
		t.Fatal(err)
	}

	state := a.EncodeStateAsUpdate(nil)

	fresh := NewDoc()
	if err := fresh.ApplyUpdate(state, nil); err != nil {
		t.Fatal(err)
	}
	if got, want := fresh.GetText("content").String(), at.String(); got != want {
		t.Fatalf("restored text = %q, want %q", got, want)
	}
}

func TestStateVectorDiff(t *testing.T) {
	a := NewDoc()
	b := NewDoc()
	at := a.GetText("content")

	u1, err := at.Insert(0, "one ")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.ApplyUpdate(u1, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := at.Insert(4, "two"); err != nil {
		t.Fatal(err)
	}

	// b requests only what it is missing
	svBytes := b.EncodeStateVector()
	sv, err := DecodeStateVector(svBytes)
	if err != nil {
		t.Fatal(err)
	}
	diff := a.EncodeStateAsUpdate(sv)
	if err := b.ApplyUpdate(diff, nil); err != nil {
		t.Fatal(err)
	}
	if got := b.GetText("content").String(); got != "one two" {
		t.Fatalf("b text = %q, want %q", got, "one two")
	}
}

func TestDeleteMidItem(t *testing.T) {
	a := NewDoc()
	b := NewDoc()
	at := a.GetText("content")

	u1, err := at.Insert(0, "abcdef")
	if err != nil {
		t.Fatal(err)
	}
	u2, err := at.Delete(2, 2) // "abef"
	if err != nil {
		t.Fatal(err)
	}
	if got := at.String(); got != "abef" {
		t.Fatalf("a text = %q, want %q", got, "abef")
	}

	if err := b.ApplyUpdate(u1, nil); err != nil {
		t.Fatal(err)
	}
	if err := b.ApplyUpdate(u2, nil); err != nil {
		t.Fatal(err)
	}
	if got := b.GetText("content").String(); got != "abef" {
		t.Fatalf("b text = %q, want %q", got, "abef")
	}
}

func TestOutOfOrderUpdatesPend(t *testing.T) {
	a := NewDoc()
	at := a.GetText("content")
	u1, err := at.Insert(0, "first")
	if err != nil {
		t.Fatal(err)
	}
	u2, err := at.Insert(5, " second")
	if err != nil {
		t.Fatal(err)
	}

	b := NewDoc()
	// second update arrives first; it depends on the first
	if err := b.ApplyUpdate(u2, nil); err != nil {
		t.Fatal(err)
	}
	if !b.HasPending() {
		t.Fatal("expected pending structs after out-of-order update")
	}
	if err := b.ApplyUpdate(u1, nil); err != nil {
		t.Fatal(err)
	}
	if b.HasPending() {
		t.Fatal("pending structs not drained")
	}
	if got := b.GetText("content").String(); got != "first second" {
		t.Fatalf("b text = %q, want %q", got, "first second")
	}
}

func TestConcurrentInsertsConverge(t *testing.T) {
	a := NewDoc()
	b := NewDoc()
	at := a.GetText("content")
	bt := b.GetText("content")

	base, err := at.Insert(0, "||")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.ApplyUpdate(base, nil); err != nil {
		t.Fatal(err)
	}

	// both insert at index 1 without seeing each other
	ua, err := at.Insert(1, "AAA")
	if err != nil {
		t.Fatal(err)
	}
	ub, err := bt.Insert(1, "BBB")
	if err != nil {
		t.Fatal(err)
	}

	if err := a.ApplyUpdate(ub, nil); err != nil {
		t.Fatal(err)
	}
	if err := b.ApplyUpdate(ua, nil); err != nil {
		t.Fatal(err)
	}

	if at.String() != bt.String() {
		t.Fatalf("divergence after concurrent inserts: a=%q b=%q", at.String(), bt.String())
	}
	if got := len(at.String()); got != 8 {
		t.Fatalf("merged length = %d, want 8", got)
	}
}

func TestUpdateHandlersFire(t *testing.T) {
	a := NewDoc()
	var fired int
	a.OnUpdate(func(update []byte, origin any) { fired++ })
	if _, err := a.GetText("content").Insert(0, "x"); err != nil {
		t.Fatal(err)
	}
	if fired != 1 {
		t.Fatalf("handler fired %d times, want 1", fired)
	}

	b := NewDoc()
	var origin any
	b.OnUpdate(func(update []byte, o any) { origin = o })
	u, err := a.GetText("content").Insert(1, "y")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.ApplyUpdate(u, "conn-1"); err != nil {
		t.Fatal(err)
	}
	if origin != "conn-1" {
		t.Fatalf("origin = %v, want conn-1", origin)
	}
}

func TestAwarenessRoundTrip(t *testing.T) {
	a := NewAwareness()

	e := NewEncoder()
	e.WriteVarUint(1)
	e.WriteVarUint(7)                                // client
	e.WriteVarUint(1)                                // clock
	e.WriteVarString(`{"cursor":{"line":1,"ch":2}}`) // state
	change, err := a.ApplyUpdate(e.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if len(change.Added) != 1 || change.Added[0] != 7 {
		t.Fatalf("added = %v, want [7]", change.Added)
	}
	if a.LiveCount() != 1 {
		t.Fatalf("live count = %d, want 1", a.LiveCount())
	}

	// snapshot re-applies cleanly on a second instance
	b := NewAwareness()
	if _, err := b.ApplyUpdate(a.EncodeAll()); err != nil {
		t.Fatal(err)
	}
	if b.LiveCount() != 1 {
		t.Fatalf("snapshot live count = %d, want 1", b.LiveCount())
	}

	// removal drops the client on both ends
	removal := a.EncodeRemoval([]uint64{7})
	if a.LiveCount() != 0 {
		t.Fatalf("live count after removal = %d, want 0", a.LiveCount())
	}
	if _, err := b.ApplyUpdate(removal); err != nil {
		t.Fatal(err)
	}
	if b.LiveCount() != 0 {
		t.Fatalf("peer live count after removal = %d, want 0", b.LiveCount())
	}
}

func TestProtocolFraming(t *testing.T) {
	sv := []byte{0}
	msg, err := DecodeMessage(WriteSyncStep1(sv))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != MessageSync || msg.SyncType != SyncStep1 || !bytes.Equal(msg.Payload, sv) {
		t.Fatalf("step1 decode mismatch: %+v", msg)
	}

	update := []byte{1, 2, 3}
	msg, err = DecodeMessage(WriteSyncUpdate(update))
	if err != nil {
		t.Fatal(err)
	}
	if msg.SyncType != SyncUpdate || !bytes.Equal(msg.Payload, update) {
		t.Fatalf("update decode mismatch: %+v", msg)
	}

	aw := []byte{9, 9}
	msg, err = DecodeMessage(WriteAwareness(aw))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != MessageAwareness || !bytes.Equal(msg.Payload, aw) {
		t.Fatalf("awareness decode mismatch: %+v", msg)
	}

	if _, err := DecodeMessage([]byte{42}); err == nil {
		t.Fatal("expected error for unknown message type")
	}
}

func TestSyncRelayHandshake(t *testing.T) {
	// relay-side doc with existing state
	relay := NewDoc()
	if _, err := relay.GetText("content").Insert(0, "stored"); err != nil {
		t.Fatal(err)
	}

	// fresh client sends step1 with empty sv; relay replies step2
	client := NewDoc()
	step1, err := DecodeMessage(WriteSyncStep1(client.EncodeStateVector()))
	if err != nil {
		t.Fatal(err)
	}
	sv, err := DecodeStateVector(step1.Payload)
	if err != nil {
		t.Fatal(err)
	}
	step2 := relay.EncodeStateAsUpdate(sv)
	if err := client.ApplyUpdate(step2, nil); err != nil {
		t.Fatal(err)
	}
	if got := client.GetText("content").String(); got != "stored" {
		t.Fatalf("client text = %q, want %q", got, "stored")
	}
}
