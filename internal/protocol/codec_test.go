package protocol

import (
	"bytes"
	"errors"
	"testing"
	"unsafe"
)

func TestDecodeEachType(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"Hello", &Hello{Identity: "worker-0", Role: RoleWorker}},
		{"ClientJoin", &ClientJoin{}},
		{"LevelMaxPlayerNum", &LevelMaxPlayerNum{Count: 4}},
		{"ClientAssign", &ClientAssign{ClientID: "c-1"}},
		{"LevelSetup", &LevelSetup{Config: []byte("setup")}},
		{"ClientSetup", &ClientSetup{Config: []byte("setup")}},
		{"ActionHuman", &Action{Kind: ActionHuman, ClientID: "c-1", Payload: []byte{1, 2}}},
		{"ActionRL", &Action{Kind: ActionRL, ClientID: "c-2", Payload: []byte{3}}},
		{"Obs", &Obs{Entries: []ObsEntry{{ClientID: "a", Data: []byte("x")}, {ClientID: "b", Data: []byte("yy")}}}},
		{"ObsData", &ObsData{Data: []byte("obs")}},
		{"WorkerDown", &WorkerDown{WorkerID: "worker-1", Reason: "process exited"}},
		{"ClientLeave", &ClientLeave{ClientID: "c-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := Encode(tt.msg)
			if Type(frame[0]) != tt.msg.Type() {
				t.Fatalf("tag = %d, want %d", frame[0], tt.msg.Type())
			}
			got, err := Decode(frame)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got.Type() != tt.msg.Type() {
				t.Fatalf("decoded type = %s, want %s", got.Type(), tt.msg.Type())
			}
			if !bytes.Equal(Encode(got), frame) {
				t.Errorf("re-encoded frame differs from original")
			}
		})
	}
}

func TestObsEntriesAliasFrame(t *testing.T) {
	obsA := []byte{0xde, 0xad, 0xbe, 0xef}
	obsB := []byte("observation for B")
	frame := Encode(&Obs{Entries: []ObsEntry{
		{ClientID: "A", Data: obsA},
		{ClientID: "B", Data: obsB},
	}})

	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	obs := msg.(*Obs)
	if len(obs.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(obs.Entries))
	}
	if !bytes.Equal(obs.Entries[0].Data, obsA) || !bytes.Equal(obs.Entries[1].Data, obsB) {
		t.Fatalf("entry bytes changed in decode")
	}

	// The inner data must point into the frame itself.
	start := uintptr(unsafe.Pointer(&frame[0]))
	end := start + uintptr(len(frame))
	p := uintptr(unsafe.Pointer(&obs.Entries[1].Data[0]))
	if p < start || p >= end {
		t.Errorf("entry data was copied out of the frame")
	}
}

func TestObsDataCarriesBytesUnchanged(t *testing.T) {
	inner := []byte{0, 1, 2, 3, 255}
	msg, err := Decode(Encode(&ObsData{Data: inner}))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got := msg.(*ObsData).Data; !bytes.Equal(got, inner) {
		t.Errorf("data = %v, want %v", got, inner)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		frame   []byte
		wantErr error
	}{
		{"empty", nil, ErrShortFrame},
		{"unknown type", []byte{99}, ErrUnknownType},
		{"truncated assign", []byte{byte(TypeClientAssign), 0, 5, 'a'}, ErrShortFrame},
		{"trailing bytes", append(Encode(&ClientJoin{}), 1), ErrMalformed},
		{"negative obs count", []byte{byte(TypeObs), 0xff, 0xff, 0xff, 0xff}, ErrMalformed},
		{"hello without identity", Encode(&Hello{Role: RoleClient}), ErrMalformed},
		{"hello with bad role", Encode(&Hello{Identity: "x", Role: 7}), ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.frame)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPeekType(t *testing.T) {
	frame := Encode(&Action{Kind: ActionRL, ClientID: "c", Payload: []byte("p")})
	typ, err := PeekType(frame)
	if err != nil {
		t.Fatalf("PeekType() error = %v", err)
	}
	if typ != TypeActionRL {
		t.Errorf("PeekType() = %s, want %s", typ, TypeActionRL)
	}
	if !typ.IsAction() {
		t.Errorf("%s should be an action type", typ)
	}
}

func TestTypeString(t *testing.T) {
	if got := TypeObsData.String(); got != "OBS_DATA" {
		t.Errorf("String() = %q, want OBS_DATA", got)
	}
	if got := Type(42).String(); got != "UNKNOWN(42)" {
		t.Errorf("String() = %q, want UNKNOWN(42)", got)
	}
}

func TestParseActionKind(t *testing.T) {
	if k, err := ParseActionKind("rl"); err != nil || k != ActionRL {
		t.Errorf("ParseActionKind(rl) = %v, %v", k, err)
	}
	if k, err := ParseActionKind("human"); err != nil || k != ActionHuman {
		t.Errorf("ParseActionKind(human) = %v, %v", k, err)
	}
	if _, err := ParseActionKind("robot"); err == nil {
		t.Error("expected error for unknown kind")
	}
}
