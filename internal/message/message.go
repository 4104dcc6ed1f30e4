package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack"
)

// Type tags the payload carried by a Message.
type Type string

const (
	// TypeCommitRequest asks every worker to flush and report what it wrote.
	TypeCommitRequest Type = "COMMIT_REQUEST"
	// TypeCommitComplete announces a table commit and the snapshot it produced.
	TypeCommitComplete Type = "COMMIT_COMPLETE"
	// TypeDataWritten reports data files a worker produced for a commit.
	TypeDataWritten Type = "DATA_WRITTEN"
	// TypeDataComplete reports the source offsets a worker has fully written.
	TypeDataComplete Type = "DATA_COMPLETE"
)

// Kind groups message types into control and data-completion signals.
type Kind int

const (
	KindUnknown Kind = iota
	KindControl
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindData:
		return "data"
	default:
		return "unknown"
	}
}

// Kind reports whether t is a control or data-completion type.
func (t Type) Kind() Kind {
	switch t {
	case TypeCommitRequest, TypeCommitComplete:
		return KindControl
	case TypeDataWritten, TypeDataComplete:
		return KindData
	default:
		return KindUnknown
	}
}

// Valid reports whether t is a known type.
func (t Type) Valid() bool { return t.Kind() != KindUnknown }

const formatVersion byte = 1

var (
	// ErrUnknownType is returned when decoding a message with an unrecognized type tag.
	ErrUnknownType = errors.New("unknown message type")
	// ErrTypeMismatch is returned when a payload accessor is used on the wrong type.
	ErrTypeMismatch = errors.New("message type mismatch")
)

// Message is the envelope carried on the coordination topic.
type Message struct {
	Type      Type      `msgpack:"type"`
	ID        string    `msgpack:"id"`
	CommitID  string    `msgpack:"commit_id,omitempty"`
	Producer  string    `msgpack:"producer,omitempty"`
	Timestamp time.Time `msgpack:"ts"`
	Payload   []byte    `msgpack:"payload,omitempty"`
}

func newMessage(t Type, commitID string, payload any) (Message, error) {
	var data []byte
	if payload != nil {
		var err error
		data, err = msgpack.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
		}
	}
	return Message{
		Type:      t,
		ID:        uuid.NewString(),
		CommitID:  commitID,
		Timestamp: time.Now().UTC(),
		Payload:   data,
	}, nil
}

// WithProducer returns a copy of m stamped with the sender identity.
func (m Message) WithProducer(producer string) Message {
	m.Producer = producer
	return m
}

// Encode serializes m for transport.
func Encode(m Message) ([]byte, error) {
	if !m.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	body, err := msgpack.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, formatVersion)
	return append(out, body...), nil
}

// Decode parses bytes produced by Encode.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, errors.New("decode message: empty payload")
	}
	if data[0] != formatVersion {
		return Message{}, fmt.Errorf("decode message: unsupported format version %d", data[0])
	}
	var m Message
	if err := msgpack.Unmarshal(data[1:], &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if !m.Type.Valid() {
		return Message{}, fmt.Errorf("decode message: %w: %q", ErrUnknownType, m.Type)
	}
	return m, nil
}

func (m Message) decodePayload(want Type, out any) error {
	if m.Type != want {
		return fmt.Errorf("%w: have %s, want %s", ErrTypeMismatch, m.Type, want)
	}
	if len(m.Payload) == 0 {
		return nil
	}
	if err := msgpack.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", want, err)
	}
	return nil
}
