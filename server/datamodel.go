/******************************************************************************
 *
 *  Description :
 *
 *  Wire protocol: JSON objects discriminated by the "type" field. Client
 *  frames are parsed into ClientComMessage at the boundary, server frames are
 *  built by the constructors below.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"errors"

	"github.com/tinode/relay/server/history"
)

// Frame types.
const (
	typeRegister       = "register"
	typeRegisterOk     = "register_ok"
	typeRegisterFailed = "register_failed"
	typeUpdateLabel    = "update_label"
	typeUpdateOk       = "update_ok"
	typeMessage        = "message"
	typeUserList       = "user_list"
	typeChatHistory    = "chat_history"
	typeGetChatHistory = "get_chat_history"
	typeGetPassphrase  = "get_passphrase"
	typePassphrase     = "passphrase"
	typeError          = "error"
)

// Error reasons.
const (
	reasonMalformedJSON    = "malformed_json"
	reasonInvalidRecipient = "invalid_recipient"
	reasonDeliveryFailed   = "delivery_failed"
	reasonRecipientOffline = "recipient_offline"
	reasonUsernameTaken    = "username_taken"
	reasonServerFull       = "server_full"
	reasonUsernameMismatch = "username_mismatch"
)

var errMalformed = errors.New("malformed frame")

// MsgClientRegister is a request to (re)register the identity bound to the connection.
type MsgClientRegister struct {
	// Username as sent by the client. Ignored unless UsernameSet.
	Username string
	// The request carries a username field. A field of the wrong type is present but never matches.
	UsernameSet bool
	Label       string
	Anonymous   bool
}

// MsgClientUpdateLabel changes the display metadata of the caller.
type MsgClientUpdateLabel struct {
	Label     string
	Anonymous bool
}

// MsgClientMessage is an encrypted envelope addressed to another user. Payload fields are
// kept exactly as received.
type MsgClientMessage struct {
	// Empty if missing or not a string.
	Recipient string
	IV        json.RawMessage
	CT        json.RawMessage
	AAD       json.RawMessage
	Timestamp json.RawMessage
}

// MsgClientGetHistory requests history with one peer.
type MsgClientGetHistory struct {
	WithUser string
}

// MsgClientGetPassphrase requests the shared passphrase.
type MsgClientGetPassphrase struct{}

// ClientComMessage is a parsed client frame. At most one field is set; none is set for
// frames of unknown type.
type ClientComMessage struct {
	Register      *MsgClientRegister
	UpdateLabel   *MsgClientUpdateLabel
	Message       *MsgClientMessage
	GetHistory    *MsgClientGetHistory
	GetPassphrase *MsgClientGetPassphrase

	// Type as received.
	Type string
}

// parseClientMessage decodes a frame. Only frames which are not JSON objects are rejected.
// Fields of the wrong type are treated as absent.
func parseClientMessage(raw []byte) (*ClientComMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, errMalformed
	}

	msg := &ClientComMessage{}
	if val, ok := fields["type"]; !ok || isNull(val) {
		msg.Type = typeMessage
	} else {
		msg.Type, _ = stringField(fields, "type")
	}

	switch msg.Type {
	case typeRegister:
		reg := &MsgClientRegister{}
		if val, ok := fields["username"]; ok && !isNull(val) {
			reg.UsernameSet = true
			reg.Username, _ = stringField(fields, "username")
		}
		reg.Label, _ = stringField(fields, "label")
		reg.Anonymous = boolField(fields, "anonymous")
		msg.Register = reg
	case typeUpdateLabel:
		upd := &MsgClientUpdateLabel{Anonymous: boolField(fields, "anonymous")}
		upd.Label, _ = stringField(fields, "label")
		msg.UpdateLabel = upd
	case typeMessage:
		data := &MsgClientMessage{
			IV:        fields["iv"],
			CT:        fields["ct"],
			AAD:       fields["aad"],
			Timestamp: fields["timestamp"],
		}
		data.Recipient, _ = stringField(fields, "recipient")
		msg.Message = data
	case typeGetChatHistory:
		get := &MsgClientGetHistory{}
		get.WithUser, _ = stringField(fields, "with_user")
		msg.GetHistory = get
	case typeGetPassphrase:
		msg.GetPassphrase = &MsgClientGetPassphrase{}
	}

	return msg, nil
}

func isNull(val json.RawMessage) bool {
	return string(val) == "null"
}

func stringField(fields map[string]json.RawMessage, name string) (string, bool) {
	var str string
	if val, ok := fields[name]; ok && json.Unmarshal(val, &str) == nil {
		return str, true
	}
	return "", false
}

// boolField accepts JSON booleans only.
func boolField(fields map[string]json.RawMessage, name string) bool {
	var b bool
	if val, ok := fields[name]; ok && json.Unmarshal(val, &b) == nil {
		return b
	}
	return false
}

// MsgServerRegister is the response to a successful registration.
type MsgServerRegister struct {
	Type       string `json:"type"`
	Username   string `json:"username"`
	Label      string `json:"label"`
	Anonymous  bool   `json:"anonymous"`
	Passphrase string `json:"passphrase,omitempty"`
}

// MsgServerUpdate is the response to update_label.
type MsgServerUpdate struct {
	Type      string `json:"type"`
	Label     string `json:"label"`
	Anonymous bool   `json:"anonymous"`
}

// MsgServerError reports an error to the client. Also used for register_failed.
type MsgServerError struct {
	Type      string `json:"type"`
	Reason    string `json:"reason"`
	Recipient string `json:"recipient,omitempty"`
}

// MsgServerData is an envelope as delivered to the recipient or contained in history.
type MsgServerData struct {
	Type string `json:"type"`
	// Current display label of the sender.
	Sender         string          `json:"sender"`
	SenderUsername string          `json:"sender_username"`
	Recipient      string          `json:"recipient"`
	IV             json.RawMessage `json:"iv,omitempty"`
	CT             json.RawMessage `json:"ct,omitempty"`
	AAD            json.RawMessage `json:"aad,omitempty"`
	Timestamp      json.RawMessage `json:"timestamp,omitempty"`
}

// MsgServerUserList is a presence snapshot.
type MsgServerUserList struct {
	Type  string     `json:"type"`
	Users []UserInfo `json:"users"`
}

// MsgServerHistoryBundle holds recent history with every peer, sent on connect.
type MsgServerHistoryBundle struct {
	Type  string                      `json:"type"`
	Chats map[string][]*MsgServerData `json:"chats"`
}

// MsgServerHistory holds recent history with one peer.
type MsgServerHistory struct {
	Type     string           `json:"type"`
	WithUser string           `json:"with_user"`
	Messages []*MsgServerData `json:"messages"`
}

// MsgServerPassphrase carries the shared passphrase.
type MsgServerPassphrase struct {
	Type       string `json:"type"`
	Passphrase string `json:"passphrase"`
}

// NoErrRegister acknowledges registration.
func NoErrRegister(uid, label string, anonymous bool, passphrase string) *MsgServerRegister {
	return &MsgServerRegister{
		Type:       typeRegisterOk,
		Username:   uid,
		Label:      label,
		Anonymous:  anonymous,
		Passphrase: passphrase,
	}
}

// NoErrUpdate acknowledges a label update.
func NoErrUpdate(label string, anonymous bool) *MsgServerUpdate {
	return &MsgServerUpdate{Type: typeUpdateOk, Label: label, Anonymous: anonymous}
}

// ErrRegisterFailed rejects registration with the given reason.
func ErrRegisterFailed(reason string) *MsgServerError {
	return &MsgServerError{Type: typeRegisterFailed, Reason: reason}
}

// ErrMalformed reports a frame which is not a JSON object.
func ErrMalformed() *MsgServerError {
	return &MsgServerError{Type: typeError, Reason: reasonMalformedJSON}
}

// ErrInvalidRecipient reports a message without a usable recipient.
func ErrInvalidRecipient() *MsgServerError {
	return &MsgServerError{Type: typeError, Reason: reasonInvalidRecipient}
}

// ErrDeliveryFailed reports that the recipient is connected but the message could not be sent to it.
func ErrDeliveryFailed(rcpt string) *MsgServerError {
	return &MsgServerError{Type: typeError, Reason: reasonDeliveryFailed, Recipient: rcpt}
}

// ErrRecipientOffline reports that the recipient is not reachable.
func ErrRecipientOffline(rcpt string) *MsgServerError {
	return &MsgServerError{Type: typeError, Reason: reasonRecipientOffline, Recipient: rcpt}
}

// newDataMessage converts a stored envelope into a wire message.
func newDataMessage(env *history.Envelope, senderLabel string) *MsgServerData {
	return &MsgServerData{
		Type:           typeMessage,
		Sender:         senderLabel,
		SenderUsername: env.Sender,
		Recipient:      env.Recipient,
		IV:             env.IV,
		CT:             env.CT,
		AAD:            env.AAD,
		Timestamp:      env.Timestamp,
	}
}

// envelope converts a wire message back into an envelope.
func (m *MsgServerData) envelope() *history.Envelope {
	return &history.Envelope{
		Sender:    m.SenderUsername,
		Recipient: m.Recipient,
		IV:        m.IV,
		CT:        m.CT,
		AAD:       m.AAD,
		Timestamp: m.Timestamp,
	}
}
