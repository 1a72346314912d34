// ABOUTME: JSON codec for device frames: strict upstream validation, structural downstream encoding
// ABOUTME: Required fields must be present with their exact JSON type; numbers are never coerced

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidFrame means the frame is not a JSON object or a required field is missing or mistyped.
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrUnknownType means the frame's type discriminator is absent or not recognized.
	ErrUnknownType = errors.New("unknown frame type")
	// ErrUnknownCommand is returned by Encode for a Command it cannot serialize.
	ErrUnknownCommand = errors.New("unknown command")
)

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type rawEnvelope struct {
	Type *string         `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode parses one upstream frame.
func Decode(frame []byte) (Upstream, error) {
	var env rawEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if env.Type == nil {
		return nil, ErrUnknownType
	}

	switch *env.Type {
	case TypeHeartbeat:
		return Heartbeat{}, nil
	case TypeMessage:
		return decodeMessage(env.Data)
	case TypeResolveTargetResult:
		return decodeResolveTargetResult(env.Data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, *env.Type)
	}
}

func decodeMessage(data json.RawMessage) (Upstream, error) {
	obj, err := object(data)
	if err != nil {
		return nil, err
	}

	var msg Message
	if msg.MsgID, err = required[int64](obj, "msg_id"); err != nil {
		return nil, err
	}
	if msg.Talker, err = required[string](obj, "talker"); err != nil {
		return nil, err
	}
	if msg.Sender, err = required[string](obj, "sender"); err != nil {
		return nil, err
	}
	if msg.Content, err = required[string](obj, "content"); err != nil {
		return nil, err
	}
	if msg.TimestampMs, err = required[int64](obj, "timestamp"); err != nil {
		return nil, err
	}
	if msg.IsPrivate, err = required[bool](obj, "is_private"); err != nil {
		return nil, err
	}
	if msg.IsGroup, err = required[bool](obj, "is_group"); err != nil {
		return nil, err
	}

	msg.MsgType = optional(obj, "msg_type", 0)
	msg.IsAtMe = optional(obj, "is_at_me", false)
	msg.AtUserList = optional(obj, "at_user_list", []string{})
	if msg.AtUserList == nil {
		msg.AtUserList = []string{}
	}
	return msg, nil
}

func decodeResolveTargetResult(data json.RawMessage) (Upstream, error) {
	obj, err := object(data)
	if err != nil {
		return nil, err
	}

	var res ResolveTargetResult
	if res.RequestID, err = required[string](obj, "request_id"); err != nil {
		return nil, err
	}
	if res.OK, err = required[bool](obj, "ok"); err != nil {
		return nil, err
	}
	res.Target = optional(obj, "target", "")
	res.ResolvedTalker = optional(obj, "resolved_talker", "")
	res.Error = optional(obj, "error", "")

	switch kind := TargetKind(optional(obj, "target_kind", "")); kind {
	case TargetDirect, TargetGroup:
		res.TargetKind = kind
	default:
		res.TargetKind = TargetUnknown
	}
	return res, nil
}

func object(data json.RawMessage) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: missing data", ErrInvalidFrame)
	}
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return nil, fmt.Errorf("%w: data is not an object", ErrInvalidFrame)
	}
	return obj, nil
}

func required[T any](obj map[string]json.RawMessage, name string) (T, error) {
	var v T
	raw, ok := obj[name]
	if !ok || string(raw) == "null" {
		return v, fmt.Errorf("%w: missing %s", ErrInvalidFrame, name)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: field %s: %v", ErrInvalidFrame, name, err)
	}
	return v, nil
}

// optional decodes name when it is present with the right type and returns
// fallback otherwise.
func optional[T any](obj map[string]json.RawMessage, name string, fallback T) T {
	raw, ok := obj[name]
	if !ok {
		return fallback
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil || string(raw) == "null" {
		return fallback
	}
	return v
}

// Encode serializes a downstream command as {"type":...,"data":...}.
func Encode(cmd Command) ([]byte, error) {
	var env envelope
	switch c := cmd.(type) {
	case Pong:
		env = envelope{Type: TypePong}
	case SendText:
		env = envelope{Type: TypeSendText, Data: c}
	case ConfigPush:
		c.AllowFrom = orEmpty(c.AllowFrom)
		c.GroupAllowChats = orEmpty(c.GroupAllowChats)
		c.GroupAllowFrom = orEmpty(c.GroupAllowFrom)
		c.NoMentionContextGroups = orEmpty(c.NoMentionContextGroups)
		env = envelope{Type: TypeConfig, Data: c}
	case ResolveTarget:
		env = envelope{Type: TypeResolveTarget, Data: c}
	case SendImage:
		env = envelope{Type: TypeSendImage, Data: c}
	case SendFile:
		env = envelope{Type: TypeSendFile, Data: c}
	case SendVoice:
		env = envelope{Type: TypeSendVoice, Data: c}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
	return json.Marshal(env)
}

// TypeOf returns the wire discriminator of a command, or "" for nil.
func TypeOf(cmd Command) string {
	switch cmd.(type) {
	case Pong:
		return TypePong
	case SendText:
		return TypeSendText
	case ConfigPush:
		return TypeConfig
	case ResolveTarget:
		return TypeResolveTarget
	case SendImage:
		return TypeSendImage
	case SendFile:
		return TypeSendFile
	case SendVoice:
		return TypeSendVoice
	default:
		return ""
	}
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
