package protocol

import (
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kbin"
)

var (
	// ErrShortFrame is returned when a frame ends before its schema does.
	ErrShortFrame = errors.New("protocol: short frame")

	// ErrUnknownType is returned for a type tag outside the catalogue.
	ErrUnknownType = errors.New("protocol: unknown message type")

	// ErrMalformed is returned when a frame decodes but violates its schema.
	ErrMalformed = errors.New("protocol: malformed message")
)

// New returns an empty message for the given type tag.
func New(t Type) (Message, error) {
	switch t {
	case TypeHello:
		return new(Hello), nil
	case TypeClientJoin:
		return new(ClientJoin), nil
	case TypeLevelMaxPlayerNum:
		return new(LevelMaxPlayerNum), nil
	case TypeClientAssign:
		return new(ClientAssign), nil
	case TypeLevelSetup:
		return new(LevelSetup), nil
	case TypeClientSetup:
		return new(ClientSetup), nil
	case TypeActionHuman:
		return &Action{Kind: ActionHuman}, nil
	case TypeActionRL:
		return &Action{Kind: ActionRL}, nil
	case TypeObs:
		return new(Obs), nil
	case TypeObsData:
		return new(ObsData), nil
	case TypeWorkerDown:
		return new(WorkerDown), nil
	case TypeClientLeave:
		return new(ClientLeave), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, int8(t))
	}
}

// Encode returns the frame for m: its type tag followed by its body.
func Encode(m Message) []byte {
	return AppendFrame(make([]byte, 0, 64), m)
}

// AppendFrame appends the frame for m to dst.
func AppendFrame(dst []byte, m Message) []byte {
	dst = kbin.AppendInt8(dst, int8(m.Type()))
	return m.AppendTo(dst)
}

// PeekType returns the type tag of a frame without decoding its body.
func PeekType(frame []byte) (Type, error) {
	if len(frame) < 1 {
		return 0, ErrShortFrame
	}
	t := Type(frame[0])
	if _, ok := typeNames[t]; !ok {
		return t, fmt.Errorf("%w: %d", ErrUnknownType, int8(t))
	}
	return t, nil
}

// Decode parses a full frame. Byte fields of the result alias frame.
func Decode(frame []byte) (Message, error) {
	t, err := PeekType(frame)
	if err != nil {
		return nil, err
	}
	m, err := New(t)
	if err != nil {
		return nil, err
	}
	if err := m.ReadFrom(frame[1:]); err != nil {
		return nil, err
	}
	return m, nil
}

// complete checks that a reader consumed its source exactly.
func complete(b *kbin.Reader, t Type) error {
	if err := b.Complete(); err != nil {
		return fmt.Errorf("%w: decoding %s", ErrShortFrame, t)
	}
	if len(b.Src) != 0 {
		return fmt.Errorf("%w: %d trailing bytes after %s", ErrMalformed, len(b.Src), t)
	}
	return nil
}
