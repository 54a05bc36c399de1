package protocol

import (
	"fmt"

	"github.com/twmb/franz-go/pkg/kbin"
)

// Type is the one-byte tag that prefixes every frame.
type Type int8

const (
	TypeHello Type = iota + 1
	TypeClientJoin
	TypeLevelMaxPlayerNum
	TypeClientAssign
	TypeLevelSetup
	TypeClientSetup
	TypeActionHuman
	TypeActionRL
	TypeObs
	TypeObsData
	TypeWorkerDown
	TypeClientLeave
)

var typeNames = map[Type]string{
	TypeHello:             "HELLO",
	TypeClientJoin:        "CLIENT_JOIN",
	TypeLevelMaxPlayerNum: "LEVEL_MAX_PLAYER_NUM",
	TypeClientAssign:      "CLIENT_ASSIGN",
	TypeLevelSetup:        "LEVEL_SETUP",
	TypeClientSetup:       "CLIENT_SETUP",
	TypeActionHuman:       "ACTION_HUMAN",
	TypeActionRL:          "ACTION_RL",
	TypeObs:               "OBS",
	TypeObsData:           "OBS_DATA",
	TypeWorkerDown:        "WORKER_DOWN",
	TypeClientLeave:       "CLIENT_LEAVE",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int8(t))
}

// IsAction reports whether t is one of the action types.
func (t Type) IsAction() bool {
	return t == TypeActionHuman || t == TypeActionRL
}

// Role identifies what kind of endpoint sits behind a connection.
type Role int8

const (
	RoleWorker Role = iota + 1
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleWorker:
		return "worker"
	case RoleClient:
		return "client"
	default:
		return "unknown"
	}
}

// ActionKind distinguishes actions from human terminals and policy agents.
type ActionKind int8

const (
	ActionHuman ActionKind = iota
	ActionRL
)

// ParseActionKind converts "human" or "rl" to an ActionKind.
func ParseActionKind(s string) (ActionKind, error) {
	switch s {
	case "human":
		return ActionHuman, nil
	case "rl":
		return ActionRL, nil
	default:
		return 0, fmt.Errorf("protocol: unknown action kind %q", s)
	}
}

func (k ActionKind) String() string {
	if k == ActionRL {
		return "rl"
	}
	return "human"
}

// Message is implemented by every entry of the catalogue.
type Message interface {
	// Type returns the frame tag for this message.
	Type() Type
	// AppendTo appends the message body, without the type tag, to dst.
	AppendTo(dst []byte) []byte
	// ReadFrom decodes the message body, without the type tag, from src.
	ReadFrom(src []byte) error
}

// Hello is the first frame on every connection and binds it to an identity.
type Hello struct {
	Identity string
	Role     Role
}

func (*Hello) Type() Type { return TypeHello }

func (m *Hello) AppendTo(dst []byte) []byte {
	dst = kbin.AppendString(dst, m.Identity)
	return kbin.AppendInt8(dst, int8(m.Role))
}

func (m *Hello) ReadFrom(src []byte) error {
	b := kbin.Reader{Src: src}
	m.Identity = b.String()
	m.Role = Role(b.Int8())
	if err := complete(&b, TypeHello); err != nil {
		return err
	}
	if m.Identity == "" {
		return fmt.Errorf("%w: HELLO with empty identity", ErrMalformed)
	}
	if m.Role != RoleWorker && m.Role != RoleClient {
		return fmt.Errorf("%w: HELLO with role %d", ErrMalformed, m.Role)
	}
	return nil
}

// ClientJoin announces a client and requests assignment. It has no body.
type ClientJoin struct{}

func (*ClientJoin) Type() Type                 { return TypeClientJoin }
func (*ClientJoin) AppendTo(dst []byte) []byte { return dst }

func (*ClientJoin) ReadFrom(src []byte) error {
	b := kbin.Reader{Src: src}
	return complete(&b, TypeClientJoin)
}

// LevelMaxPlayerNum declares how many clients a worker needs.
type LevelMaxPlayerNum struct {
	Count int32
}

func (*LevelMaxPlayerNum) Type() Type { return TypeLevelMaxPlayerNum }

func (m *LevelMaxPlayerNum) AppendTo(dst []byte) []byte {
	return kbin.AppendInt32(dst, m.Count)
}

func (m *LevelMaxPlayerNum) ReadFrom(src []byte) error {
	b := kbin.Reader{Src: src}
	m.Count = b.Int32()
	return complete(&b, TypeLevelMaxPlayerNum)
}

// ClientAssign binds a client to the receiving worker.
type ClientAssign struct {
	ClientID string
}

func (*ClientAssign) Type() Type { return TypeClientAssign }

func (m *ClientAssign) AppendTo(dst []byte) []byte {
	return kbin.AppendString(dst, m.ClientID)
}

func (m *ClientAssign) ReadFrom(src []byte) error {
	b := kbin.Reader{Src: src}
	m.ClientID = b.String()
	return complete(&b, TypeClientAssign)
}

// LevelSetup carries a worker's opaque setup blob.
type LevelSetup struct {
	Config []byte
}

func (*LevelSetup) Type() Type { return TypeLevelSetup }

func (m *LevelSetup) AppendTo(dst []byte) []byte {
	return kbin.AppendBytes(dst, m.Config)
}

func (m *LevelSetup) ReadFrom(src []byte) error {
	b := kbin.Reader{Src: src}
	m.Config = b.Bytes()
	return complete(&b, TypeLevelSetup)
}

// ClientSetup delivers a worker's setup blob, byte for byte, to a client.
type ClientSetup struct {
	Config []byte
}

func (*ClientSetup) Type() Type { return TypeClientSetup }

func (m *ClientSetup) AppendTo(dst []byte) []byte {
	return kbin.AppendBytes(dst, m.Config)
}

func (m *ClientSetup) ReadFrom(src []byte) error {
	b := kbin.Reader{Src: src}
	m.Config = b.Bytes()
	return complete(&b, TypeClientSetup)
}

// Action is one tick of control input. ClientID is the sender's own identity
// so the worker can key the payload without a per-client channel.
type Action struct {
	Kind     ActionKind
	ClientID string
	Payload  []byte
}

func (m *Action) Type() Type {
	if m.Kind == ActionRL {
		return TypeActionRL
	}
	return TypeActionHuman
}

func (m *Action) AppendTo(dst []byte) []byte {
	dst = kbin.AppendString(dst, m.ClientID)
	return kbin.AppendBytes(dst, m.Payload)
}

func (m *Action) ReadFrom(src []byte) error {
	b := kbin.Reader{Src: src}
	m.ClientID = b.String()
	m.Payload = b.Bytes()
	return complete(&b, m.Type())
}

// ObsEntry is one client's pre-serialized observation inside an Obs batch.
type ObsEntry struct {
	ClientID string
	Data     []byte
}

// Obs is a worker's batch of observations for all of its clients.
type Obs struct {
	Entries []ObsEntry
}

func (*Obs) Type() Type { return TypeObs }

func (m *Obs) AppendTo(dst []byte) []byte {
	dst = kbin.AppendArrayLen(dst, len(m.Entries))
	for _, e := range m.Entries {
		dst = kbin.AppendString(dst, e.ClientID)
		dst = kbin.AppendBytes(dst, e.Data)
	}
	return dst
}

func (m *Obs) ReadFrom(src []byte) error {
	b := kbin.Reader{Src: src}
	n := b.ArrayLen()
	if n < 0 {
		return fmt.Errorf("%w: OBS with %d entries", ErrMalformed, n)
	}
	m.Entries = make([]ObsEntry, 0, n)
	for i := int32(0); i < n && b.Ok(); i++ {
		var e ObsEntry
		e.ClientID = b.String()
		e.Data = b.Bytes()
		m.Entries = append(m.Entries, e)
	}
	return complete(&b, TypeObs)
}

// ObsData is a single client's observation, forwarded unmodified.
type ObsData struct {
	Data []byte
}

func (*ObsData) Type() Type { return TypeObsData }

func (m *ObsData) AppendTo(dst []byte) []byte {
	return kbin.AppendBytes(dst, m.Data)
}

func (m *ObsData) ReadFrom(src []byte) error {
	b := kbin.Reader{Src: src}
	m.Data = b.Bytes()
	return complete(&b, TypeObsData)
}

// WorkerDown tells a client that its worker went away mid-session.
type WorkerDown struct {
	WorkerID string
	Reason   string
}

func (*WorkerDown) Type() Type { return TypeWorkerDown }

func (m *WorkerDown) AppendTo(dst []byte) []byte {
	dst = kbin.AppendString(dst, m.WorkerID)
	return kbin.AppendString(dst, m.Reason)
}

func (m *WorkerDown) ReadFrom(src []byte) error {
	b := kbin.Reader{Src: src}
	m.WorkerID = b.String()
	m.Reason = b.String()
	return complete(&b, TypeWorkerDown)
}

// ClientLeave tells a worker that one of its clients disconnected.
type ClientLeave struct {
	ClientID string
}

func (*ClientLeave) Type() Type { return TypeClientLeave }

func (m *ClientLeave) AppendTo(dst []byte) []byte {
	return kbin.AppendString(dst, m.ClientID)
}

func (m *ClientLeave) ReadFrom(src []byte) error {
	b := kbin.Reader{Src: src}
	m.ClientID = b.String()
	return complete(&b, TypeClientLeave)
}
