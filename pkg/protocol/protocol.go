// Package protocol defines the JSON messages exchanged over the session socket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Kind string

// Client to server.
const (
	KindStartRecording Kind = "startRecording"
	KindStopRecording  Kind = "stopRecording"
	KindKickUser       Kind = "kickUser"
	KindPing           Kind = "ping"
	KindPingUpdate     Kind = "pingUpdate"
	KindMicLevel       Kind = "micLevel"
	KindMute           Kind = "mute"
	KindChangeIcon     Kind = "changeIcon"
)

// Server to client. startRecording, stopRecording and changeIcon travel
// both ways.
const (
	KindSetup      Kind = "setup"
	KindJoin       Kind = "join"
	KindRemoved    Kind = "removed"
	KindMicLevels  Kind = "micLevels"
	KindMutedUsers Kind = "mutedUsers"
	KindPingDelays Kind = "pingDelays"
	KindPong       Kind = "pong"
)

// Removal reasons carried by removed messages.
const (
	ReasonClosed     = "closed"
	ReasonKicked     = "kicked"
	ReasonLeft       = "left"
	ReasonDisconnect = "disconnect"
	ReasonSlow       = "slow"
)

// MaxIconLen bounds the avatar name carried by changeIcon.
const MaxIconLen = 64

// OwnerOnly reports whether only the session owner may send k.
func (k Kind) OwnerOnly() bool {
	switch k {
	case KindStartRecording, KindStopRecording, KindKickUser:
		return true
	}
	return false
}

// MemberOnly reports whether k requires the sender to be attached to the session.
func (k Kind) MemberOnly() bool {
	switch k {
	case KindPingUpdate, KindMicLevel, KindMute, KindChangeIcon:
		return true
	}
	return false
}

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrMalformed   = errors.New("malformed message")
)

// Inbound is a message sent by a client.
type Inbound interface {
	Kind() Kind
}

type StartRecording struct{}
type StopRecording struct{}

type KickUser struct {
	LocalID string `json:"localId"`
}

type Ping struct {
	ClientTime float64 `json:"clientTime"`
}

type PingUpdate struct {
	Delay float64 `json:"delay"`
}

type MicLevel struct {
	Level float64 `json:"level"`
}

type Mute struct {
	Muted bool `json:"muted"`
}

type ChangeIcon struct {
	Icon string `json:"icon"`
}

func (StartRecording) Kind() Kind { return KindStartRecording }
func (StopRecording) Kind() Kind  { return KindStopRecording }
func (KickUser) Kind() Kind       { return KindKickUser }
func (Ping) Kind() Kind           { return KindPing }
func (PingUpdate) Kind() Kind     { return KindPingUpdate }
func (MicLevel) Kind() Kind       { return KindMicLevel }
func (Mute) Kind() Kind           { return KindMute }
func (ChangeIcon) Kind() Kind     { return KindChangeIcon }

type envelope struct {
	Type Kind `json:"type"`
}

// Decode parses a client frame into one of the Inbound types.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var msg Inbound
	switch env.Type {
	case KindStartRecording:
		return StartRecording{}, nil
	case KindStopRecording:
		return StopRecording{}, nil
	case KindKickUser:
		var m KickUser
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		msg = m
	case KindPing:
		var m Ping
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		msg = m
	case KindPingUpdate:
		var m PingUpdate
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		msg = m
	case KindMicLevel:
		var m MicLevel
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		msg = m
	case KindMute:
		var m Mute
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		msg = m
	case KindChangeIcon:
		var m ChangeIcon
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		msg = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return msg, nil
}

// Encode marshals an inbound message with its type tag, for clients.
func Encode(m Inbound) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(m.Kind())
	fields["type"] = tag
	return json.Marshal(fields)
}
