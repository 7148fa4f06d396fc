package websocket

import (
	"encoding/json"
	"strings"
	"time"
)

// Application close codes. Codes in the 4000 range tell the client whether
// reconnecting with the same token can help.
const (
	CloseMissingToken  = 4001
	CloseInvalidToken  = 4002
	CloseUserNotFound  = 4003
	CloseServerError   = 4500
	CloseTryAgainLater = 1013
)

// Close reasons, also used as metric and event labels.
const (
	ReasonMissingToken = "missing-token"
	ReasonInvalidToken = "invalid-token"
	ReasonUserNotFound = "user-not-found"
	ReasonServerError  = "server-error"
	ReasonSlowConsumer = "slow-consumer"
	ReasonShutdown     = "shutdown"
)

// Inbound frame types.
const (
	FrameSubscribe     = "subscribe"
	FrameUnsubscribe   = "unsubscribe"
	FrameTypingStarted = "typing.started"
	FrameTypingStopped = "typing.stopped"
	FramePresencePing  = "presence.ping"
	FrameReadReceipt   = "read.receipt"
)

// Outbound frame types.
const (
	FrameHello        = "hello"
	FrameSystemNotice = "system.notice"
)

// Notice reasons.
const (
	NoticeTooManyChannels = "too_many_channels"
	NoticeSubscribeDenied = "subscribe_denied"
)

// EventVersion is the envelope version of frames the gateway produces.
const EventVersion = 1

const (
	userChannelPrefix = "user:"
	convChannelPrefix = "conv:"
)

// UserChannel is the personal channel of userID.
func UserChannel(userID string) string {
	return userChannelPrefix + userID
}

// ConversationChannel is the channel of one conversation.
func ConversationChannel(conversationID string) string {
	return convChannelPrefix + conversationID
}

// channelKind splits a channel name into its kind and id.
func channelKind(channel string) (kind, id string) {
	switch {
	case strings.HasPrefix(channel, userChannelPrefix):
		return "user", channel[len(userChannelPrefix):]
	case strings.HasPrefix(channel, convChannelPrefix):
		return "conv", channel[len(convChannelPrefix):]
	default:
		return "other", ""
	}
}

type inboundFrame struct {
	Type              string   `json:"type"`
	Channels          []string `json:"channels,omitempty"`
	ConversationID    string   `json:"conversationId,omitempty"`
	Status            string   `json:"status,omitempty"`
	LastReadMessageID string   `json:"lastReadMessageId,omitempty"`
}

type helloFrame struct {
	Type         string `json:"type"`
	EventVersion int    `json:"eventVersion"`
	ServerTime   string `json:"serverTime"`
}

type noticeFrame struct {
	Type    string `json:"type"`
	Reason  string `json:"reason"`
	Channel string `json:"channel,omitempty"`
}

type typingData struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type typingFrame struct {
	Type         string     `json:"type"`
	EventVersion int        `json:"eventVersion"`
	ServerTime   string     `json:"serverTime"`
	Data         typingData `json:"data"`
}

// serverTime formats t the way browsers print Date.toISOString.
func serverTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func encodeHello(now time.Time) []byte {
	b, _ := json.Marshal(helloFrame{Type: FrameHello, EventVersion: EventVersion, ServerTime: serverTime(now)})
	return b
}

func encodeNotice(reason, channel string) []byte {
	b, _ := json.Marshal(noticeFrame{Type: FrameSystemNotice, Reason: reason, Channel: channel})
	return b
}

func encodeTyping(frameType, conversationID, userID string, now time.Time) []byte {
	b, _ := json.Marshal(typingFrame{
		Type:         frameType,
		EventVersion: EventVersion,
		ServerTime:   serverTime(now),
		Data:         typingData{ConversationID: conversationID, UserID: userID},
	})
	return b
}
