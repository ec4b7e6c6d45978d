package proto

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates the business intent of an envelope.
type Kind string

const (
	KindLogin       Kind = "login"
	KindLoginAck    Kind = "login_ack"
	KindLogout      Kind = "logout"
	KindRegister    Kind = "register"
	KindRegisterAck Kind = "register_ack"
	KindChat        Kind = "chat"
	KindAddFriend   Kind = "add_friend"
	KindCreateGroup Kind = "create_group"
	KindJoinGroup   Kind = "join_group"
	KindGroupChat   Kind = "group_chat"
)

// Error codes carried in ack envelopes.
const (
	ErrCodeInvalidCredentials = "invalid_credentials"
	ErrCodeAlreadyLoggedIn    = "already_logged_in"
	ErrCodeRegisterFailed     = "register_failed"
)

// FriendInfo is one entry of the friend list returned in the login ack.
type FriendInfo struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

// Envelope is the single wire unit exchanged between clients and server
// instances. Kind is mandatory; every other field is populated per kind.
// An envelope is never mutated after dispatch; handlers build fresh
// outbound envelopes.
type Envelope struct {
	Kind Kind `json:"kind"`

	// Identity and credentials (login, logout, register).
	ID       int64  `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	Password string `json:"password,omitempty"`

	// Chat fields (chat, group_chat).
	From     int64  `json:"from,omitempty"`
	FromName string `json:"from_name,omitempty"`
	To       int64  `json:"to,omitempty"`
	Body     string `json:"body,omitempty"`
	Time     string `json:"time,omitempty"`

	// Social graph fields (add_friend, create_group, join_group, group_chat).
	FriendID  int64  `json:"friend_id,omitempty"`
	GroupID   int64  `json:"group_id,omitempty"`
	GroupName string `json:"group_name,omitempty"`
	GroupDesc string `json:"group_desc,omitempty"`

	// Ack fields.
	ErrCode     string            `json:"err_code,omitempty"`
	ErrMsg      string            `json:"err_msg,omitempty"`
	Token       string            `json:"token,omitempty"`
	OfflineMsgs []json.RawMessage `json:"offline_msgs,omitempty"`
	Friends     []FriendInfo      `json:"friends,omitempty"`
}

// Encode serializes the envelope for the wire or the offline queue.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses an envelope off the wire. An envelope without a kind is
// rejected so the dispatcher never sees an untagged message.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Kind == "" {
		return nil, fmt.Errorf("decode envelope: missing kind")
	}
	return &e, nil
}

// ErrAck builds an acknowledgement envelope carrying an error code.
func ErrAck(kind Kind, code, msg string) *Envelope {
	return &Envelope{Kind: kind, ErrCode: code, ErrMsg: msg}
}
