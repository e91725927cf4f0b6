// Package eventsub implements the session-based push protocol used by Twitch
// EventSub over WebSocket: welcome/keepalive handling, live session migration
// on session_reconnect, and notification/revocation dispatch.
package eventsub

import (
	"encoding/json"
	"time"
)

// Message types pushed by the EventSub server.
const (
	// TypeSessionWelcome establishes a session and carries its descriptor.
	TypeSessionWelcome = "session_welcome"
	// TypeSessionKeepalive signals the connection is still healthy.
	TypeSessionKeepalive = "session_keepalive"
	// TypeSessionReconnect asks the client to migrate to a new URL.
	TypeSessionReconnect = "session_reconnect"
	// TypeNotification carries one subscription event.
	TypeNotification = "notification"
	// TypeRevocation signals a subscription was revoked by the server.
	TypeRevocation = "revocation"
)

// Metadata is the common header on every EventSub message.
type Metadata struct {
	MessageID           string    `json:"message_id"`
	MessageType         string    `json:"message_type"`
	MessageTimestamp    time.Time `json:"message_timestamp"`
	SubscriptionType    string    `json:"subscription_type,omitempty"`
	SubscriptionVersion string    `json:"subscription_version,omitempty"`
}

// Envelope is one raw message off the wire; the payload shape depends on the
// message type.
type Envelope struct {
	Metadata Metadata        `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

// Session is the descriptor delivered by session_welcome and
// session_reconnect. Replaced wholesale on every welcome.
type Session struct {
	ID                      string    `json:"id"`
	Status                  string    `json:"status"`
	KeepaliveTimeoutSeconds int       `json:"keepalive_timeout_seconds"`
	ReconnectURL            string    `json:"reconnect_url"`
	ConnectedAt             time.Time `json:"connected_at"`
}

type sessionPayload struct {
	Session Session `json:"session"`
}

// Subscription identifies one EventSub subscription inside a notification or
// revocation payload.
type Subscription struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Version   string          `json:"version"`
	Status    string          `json:"status"`
	Cost      int             `json:"cost"`
	Condition json.RawMessage `json:"condition"`
	CreatedAt time.Time       `json:"created_at"`
}

// Notification is the payload of a notification message.
type Notification struct {
	Subscription Subscription    `json:"subscription"`
	Event        json.RawMessage `json:"event"`
}

type revocationPayload struct {
	Subscription Subscription `json:"subscription"`
}

// Close codes the server uses in place of generic abnormal closes.
const (
	CloseInternalServerError = 4000
	CloseClientSentTraffic   = 4001
	CloseFailedPingPong      = 4002
	CloseConnectionUnused    = 4003
	CloseReconnectGraceOver  = 4004
	CloseNetworkTimeout      = 4005
	CloseNetworkError        = 4006
	CloseInvalidReconnectURL = 4007
)

var closeCodeText = map[int]string{
	CloseInternalServerError: "internal server error",
	CloseClientSentTraffic:   "client sent inbound traffic",
	CloseFailedPingPong:      "client failed ping-pong",
	CloseConnectionUnused:    "connection unused",
	CloseReconnectGraceOver:  "reconnect grace time expired",
	CloseNetworkTimeout:      "network timeout",
	CloseNetworkError:        "network error",
	CloseInvalidReconnectURL: "invalid reconnect URL",
}

// CloseCodeText describes a protocol close code, or "" for codes outside the
// reserved band.
func CloseCodeText(code int) string { return closeCodeText[code] }
