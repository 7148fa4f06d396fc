package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"chatrelay/api_realtime/internal/presence"
	"chatrelay/api_realtime/internal/registry"
	"chatrelay/pkg/kafka"
	"chatrelay/pkg/logging"
)

// route handles one inbound frame. Frames of a socket are routed one at a
// time, so a subscribe is fully applied before the next frame is looked at.
func (g *Gateway) route(c *Conn, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithField("panic", fmt.Sprint(r)).Error("Frame handler panicked")
			c.Close(CloseServerError, ReasonServerError)
		}
	}()

	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.logger.WithError(err).Warn("Dropping malformed frame")
		return
	}
	if frame.Type == "" {
		c.logger.Warn("Dropping frame without type")
		return
	}

	switch frame.Type {
	case FrameSubscribe:
		g.deps.Metrics.FrameReceived(frame.Type)
		g.handleSubscribe(c, frame.Channels)
	case FrameUnsubscribe:
		g.deps.Metrics.FrameReceived(frame.Type)
		g.handleUnsubscribe(c, frame.Channels)
	case FrameTypingStarted, FrameTypingStopped:
		g.deps.Metrics.FrameReceived(frame.Type)
		g.handleTyping(c, frame.Type, frame.ConversationID)
	case FramePresencePing:
		g.deps.Metrics.FrameReceived(frame.Type)
		g.handlePresencePing(c, frame.Status)
	case FrameReadReceipt:
		g.deps.Metrics.FrameReceived(frame.Type)
		g.handleReadReceipt(c, frame.ConversationID, frame.LastReadMessageID)
	default:
		c.logger.WithField("type", frame.Type).Warn("Dropping frame of unknown type")
	}
}

func (g *Gateway) handleSubscribe(c *Conn, channels []string) {
	if len(channels) > g.opts.MaxSubscribeChannels {
		c.logger.WithField("requested", len(channels)).Warn("Subscribe request over channel ceiling")
		c.enqueue(encodeNotice(NoticeTooManyChannels, ""))
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, g.opts.CallTimeout)
	defer cancel()

	seen := make(map[string]struct{}, len(channels))
	var conversations []string
	for _, channel := range channels {
		if _, dup := seen[channel]; dup {
			continue
		}
		seen[channel] = struct{}{}

		kind, id := channelKind(channel)
		switch {
		case id == "":
			continue
		case kind == "user":
			// Someone else's personal channel is dropped without a trace.
			if id != c.userID {
				continue
			}
			g.subscribe(ctx, c, channel)
		case kind == "conv":
			if g.deps.Registry.IsSubscribed(channel, c) {
				continue
			}
			conversations = append(conversations, channel)
		}
	}
	if len(conversations) == 0 {
		return
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.opts.AuthorizeConcurrency)
	for _, channel := range conversations {
		eg.Go(func() error {
			g.authorizeAndSubscribe(egCtx, c, channel)
			return nil
		})
	}
	_ = eg.Wait()
}

func (g *Gateway) authorizeAndSubscribe(ctx context.Context, c *Conn, channel string) {
	_, conversationID := channelKind(channel)
	allowed, err := g.deps.Authorizer.CanAccessConversation(ctx, c.subject, conversationID)
	if err != nil {
		c.logger.WithError(err).WithField("channel", channel).Warn("Conversation authorization failed")
		g.deny(c, channel, "error")
		return
	}
	if !allowed {
		g.deny(c, channel, "forbidden")
		return
	}
	g.subscribe(ctx, c, channel)
}

func (g *Gateway) subscribe(ctx context.Context, c *Conn, channel string) {
	if _, err := g.deps.Registry.Subscribe(ctx, channel, c); err != nil && !errors.Is(err, registry.ErrMemberClosed) {
		c.logger.WithError(err).WithField("channel", channel).Error("Broker subscribe failed")
	}
}

func (g *Gateway) deny(c *Conn, channel, reason string) {
	g.deps.Metrics.SubscribeDeniedFor(reason)
	g.emit(c, kafka.EventSubscribeDenied, channel, reason)
	c.logger.WithFields(logging.Fields{"channel": channel, "reason": reason}).Debug("Subscription denied")
	if g.opts.DenialNotices {
		c.enqueue(encodeNotice(NoticeSubscribeDenied, channel))
	}
}

func (g *Gateway) handleUnsubscribe(c *Conn, channels []string) {
	ctx, cancel := context.WithTimeout(c.ctx, g.opts.CallTimeout)
	defer cancel()

	for _, channel := range channels {
		// The personal channel lives as long as the socket.
		if channel == UserChannel(c.userID) {
			continue
		}
		if _, err := g.deps.Registry.Unsubscribe(ctx, channel, c); err != nil {
			c.logger.WithError(err).WithField("channel", channel).Error("Broker unsubscribe failed")
		}
	}
}

func (g *Gateway) handleTyping(c *Conn, frameType, conversationID string) {
	if conversationID == "" {
		c.logger.WithField("type", frameType).Warn("Dropping typing frame without conversationId")
		return
	}
	channel := ConversationChannel(conversationID)
	if !g.deps.Registry.IsSubscribed(channel, c) {
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, g.opts.CallTimeout)
	defer cancel()
	payload := encodeTyping(frameType, conversationID, c.userID, g.now())
	if err := g.deps.Publisher.Publish(ctx, channel, payload); err != nil {
		c.logger.WithError(err).WithField("channel", channel).Warn("Failed to publish typing event")
	}
}

func (g *Gateway) handlePresencePing(c *Conn, status string) {
	ctx, cancel := context.WithTimeout(c.ctx, g.opts.CallTimeout)
	defer cancel()
	if err := g.deps.Presence.Ping(ctx, c.userID, presence.NormalizeStatus(status)); err != nil {
		c.logger.WithError(err).Warn("Failed to refresh presence")
	}
}

// handleReadReceipt forwards the receipt in the background; the client gets
// no acknowledgement and failures are only logged. At most
// ReceiptConcurrency receipts per socket are in flight; past that the read
// loop waits for a slot.
func (g *Gateway) handleReadReceipt(c *Conn, conversationID, lastReadMessageID string) {
	if conversationID == "" {
		c.logger.Warn("Dropping read receipt without conversationId")
		return
	}
	select {
	case c.receipts <- struct{}{}:
	case <-c.ctx.Done():
		return
	}
	subject, logger := c.subject, c.logger
	go func() {
		defer func() { <-c.receipts }()
		ctx, cancel := context.WithTimeout(context.Background(), g.opts.CallTimeout)
		defer cancel()
		if err := g.deps.Receipts.MarkRead(ctx, subject, conversationID, lastReadMessageID); err != nil {
			logger.WithError(err).WithField("conversation_id", conversationID).Warn("Read receipt not delivered")
		}
	}()
}
