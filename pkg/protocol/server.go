package protocol

import (
	"encoding/json"
	"fmt"
)

// User is one participant as shown to clients.
type User struct {
	LocalID  string `json:"localId"`
	UserName string `json:"userName"`
}

type Setup struct {
	Type         Kind               `json:"type"`
	LocalID      string             `json:"localId"`
	OwnerLocalID string             `json:"ownerLocalId"`
	Users        []User             `json:"users"`
	Muted        map[string]bool    `json:"muted"`
	PingDelays   map[string]float64 `json:"pingDelays"`
	Icons        map[string]string  `json:"icons,omitempty"`
}

type Join struct {
	Type     Kind   `json:"type"`
	UserName string `json:"userName"`
	LocalID  string `json:"localId"`
}

type Removed struct {
	Type    Kind   `json:"type"`
	LocalID string `json:"localId,omitempty"`
	Reason  string `json:"reason"`
}

type MicLevels struct {
	Type   Kind               `json:"type"`
	Levels map[string]float64 `json:"levels"`
}

type MutedUsers struct {
	Type  Kind            `json:"type"`
	Muted map[string]bool `json:"muted"`
}

type PingDelays struct {
	Type   Kind               `json:"type"`
	Delays map[string]float64 `json:"delays"`
}

// IconChanged tells the other participants about a new avatar.
type IconChanged struct {
	Type    Kind   `json:"type"`
	LocalID string `json:"localId"`
	Icon    string `json:"icon"`
}

// Pong echoes the client's send time next to the server's clock in Unix ms.
type Pong struct {
	Type       Kind    `json:"type"`
	Time       int64   `json:"time"`
	ClientTime float64 `json:"clientTime"`
}

// Scheduled announces a recording transition at Time, server Unix ms.
type Scheduled struct {
	Type Kind  `json:"type"`
	Time int64 `json:"time"`
}

func NewPong(serverTime int64, clientTime float64) Pong {
	return Pong{Type: KindPong, Time: serverTime, ClientTime: clientTime}
}

func NewStart(at int64) Scheduled { return Scheduled{Type: KindStartRecording, Time: at} }
func NewStop(at int64) Scheduled  { return Scheduled{Type: KindStopRecording, Time: at} }

func NewRemoved(local, reason string) Removed {
	return Removed{Type: KindRemoved, LocalID: local, Reason: reason}
}

// DecodeServer parses a server frame into one of the outbound types above.
func DecodeServer(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var out any
	switch env.Type {
	case KindSetup:
		out = &Setup{}
	case KindJoin:
		out = &Join{}
	case KindRemoved:
		out = &Removed{}
	case KindMicLevels:
		out = &MicLevels{}
	case KindMutedUsers:
		out = &MutedUsers{}
	case KindPingDelays:
		out = &PingDelays{}
	case KindPong:
		out = &Pong{}
	case KindChangeIcon:
		out = &IconChanged{}
	case KindStartRecording, KindStopRecording:
		out = &Scheduled{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return out, nil
}
