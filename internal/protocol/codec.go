package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrUnknownType is returned by Decode for a type tag it has no
	// struct for. Callers ignore such frames.
	ErrUnknownType = errors.New("unknown frame type")
	// ErrMalformed is returned for frames that are not JSON objects, lack
	// a type tag or miss required fields.
	ErrMalformed = errors.New("malformed frame")
)

// validate caches struct metadata, so a single instance is shared.
var validate = validator.New()

func init() {
	// Report json names ("matchId") instead of Go field names.
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

var registry = map[Type]func() Frame{
	TypeAuth:             func() Frame { return &Auth{} },
	TypeAuthSuccess:      func() Frame { return &AuthSuccess{} },
	TypeAuthError:        func() Frame { return &AuthError{} },
	TypePing:             func() Frame { return &Ping{} },
	TypePong:             func() Frame { return &Pong{} },
	TypeMessage:          func() Frame { return &OutboundMessage{} },
	TypeNewMessage:       func() Frame { return &NewMessage{} },
	TypeMessageSent:      func() Frame { return &MessageSent{} },
	TypeTypingStatus:     func() Frame { return &TypingStatus{} },
	TypeReadReceipt:      func() Frame { return &ReadReceipt{Kind: TypeReadReceipt} },
	TypeMessageRead:      func() Frame { return &ReadReceipt{Kind: TypeMessageRead} },
	TypeActiveChat:       func() Frame { return &ActiveChat{} },
	TypeUserStatus:       func() Frame { return &UserStatus{} },
	TypeUserDisconnected: func() Frame { return &UserDisconnected{} },
	TypeNotification:     func() Frame { return &Notification{} },
}

// PeekType returns the type tag of a raw frame without decoding the rest.
func PeekType(data []byte) (Type, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if head.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return head.Type, nil
}

// Decode parses and validates a raw frame.
func Decode(data []byte) (Frame, error) {
	t, err := PeekType(data)
	if err != nil {
		return nil, err
	}
	newFrame, ok := registry[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	f := newFrame()
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, t, err)
	}
	if err := Validate(f); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, t, err)
	}
	return f, nil
}

// Validate checks the required fields of a frame.
func Validate(f Frame) error {
	return validate.Struct(f)
}

// Encode serializes a frame with its type tag as the first field.
func Encode(f Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", f.FrameType(), err)
	}
	tag, _ := json.Marshal(f.FrameType())

	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 9)
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// ClientMessageID returns the client-assigned id of an outbound chat
// message, or "" for any other frame.
func ClientMessageID(f Frame) string {
	if m, ok := f.(*OutboundMessage); ok {
		return m.ClientMessageID
	}
	return ""
}
