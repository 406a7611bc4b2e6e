// Package slack adapts a team-chat workspace over the socket-mode API.
// It is a push transport: events arrive on the socket stream and sends go
// through chat.postMessage. Multiple workspace instances are disambiguated
// by a namespace injected into the ChatId prefix (e.g. "slack:cit:").
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/talaria-sh/talaria/internal/bus"
	"github.com/talaria-sh/talaria/internal/channels"
	"github.com/talaria-sh/talaria/internal/chatid"
)

// API abstracts the Slack Web API surface the channel uses, for testing.
type API interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	OpenConversationContext(ctx context.Context, params *slack.OpenConversationParameters) (*slack.Channel, bool, bool, error)
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
}

// Options configure one workspace instance.
type Options struct {
	Namespace string // "" for the default instance
	BotToken  string
	AppToken  string
	BotName   string // assistant identity; leading native mentions are rewritten to @BotName
}

// Channel is one Slack workspace adapter.
type Channel struct {
	*channels.BaseChannel
	api    API
	socket *socketmode.Client
	opts   Options

	mu        sync.Mutex
	botUserID string
	botID     string
	mentionRe *regexp.Regexp

	names sync.Map // userID → display name
	dms   sync.Map // userID → DM channel id
	cancel context.CancelFunc
}

// New creates a Slack channel instance.
func New(opts Options, msgBus *bus.MessageBus) (*Channel, error) {
	if opts.BotToken == "" || opts.AppToken == "" {
		return nil, fmt.Errorf("slack: bot and app tokens are required")
	}
	api := slack.New(opts.BotToken, slack.OptionAppLevelToken(opts.AppToken))

	name := "slack"
	prefix := chatid.TransportSlack + ":"
	if opts.Namespace != "" {
		name = "slack:" + opts.Namespace
		prefix = chatid.TransportSlack + ":" + opts.Namespace + ":"
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel(name, msgBus, []string{prefix}),
		api:         api,
		socket:      socketmode.New(api),
		opts:        opts,
	}, nil
}

// Connect starts the socket-mode event loop.
func (c *Channel) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	go c.eventLoop(runCtx)
	go func() {
		if err := c.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("slack socket mode stopped", "channel", c.Name(), "error", err)
		}
		c.SetConnected(false)
	}()
	return nil
}

// Disconnect stops the event loop.
func (c *Channel) Disconnect(context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.SetConnected(false)
	return nil
}

// Send delivers an outgoing message, queueing while the socket is down.
func (c *Channel) Send(ctx context.Context, out bus.Outgoing) error {
	return c.Deliver(ctx, out, c.rawSend)
}

func (c *Channel) rawSend(ctx context.Context, out bus.Outgoing) error {
	ns, target, isChannel, ok := chatid.SlackAddress(out.ChatID)
	if !ok || ns != c.opts.Namespace {
		return fmt.Errorf("slack: chat id not owned by instance %q", c.Name())
	}

	channelID := target
	if !isChannel {
		id, err := c.dmChannel(ctx, target)
		if err != nil {
			return err
		}
		channelID = id
	}

	opts := []slack.MsgOption{slack.MsgOptionText(out.Text, false)}
	if out.SenderLabel != "" {
		// Per-bot identity: surface the label as the posting username.
		opts = append(opts, slack.MsgOptionUsername(out.SenderLabel))
	}
	_, _, err := c.api.PostMessageContext(ctx, channelID, opts...)
	return err
}

// dmChannel resolves (and caches) the DM channel id for a user.
func (c *Channel) dmChannel(ctx context.Context, userID string) (string, error) {
	if id, ok := c.dms.Load(userID); ok {
		return id.(string), nil
	}
	ch, _, _, err := c.api.OpenConversationContext(ctx, &slack.OpenConversationParameters{
		Users:    []string{userID},
		ReturnIM: true,
	})
	if err != nil {
		return "", fmt.Errorf("slack: conversations.open: %w", err)
	}
	c.dms.Store(userID, ch.ID)
	return ch.ID, nil
}

func (c *Channel) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.socket.Events:
			if !ok {
				return
			}
			c.handleSocketEvent(ctx, evt)
		}
	}
}

func (c *Channel) handleSocketEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnected:
		auth, err := c.api.AuthTestContext(ctx)
		if err != nil {
			slog.Error("slack auth.test failed", "channel", c.Name(), "error", err)
			return
		}
		c.mu.Lock()
		c.botUserID = auth.UserID
		c.botID = auth.BotID
		c.mentionRe = regexp.MustCompile(`^\s*<@` + regexp.QuoteMeta(auth.UserID) + `>[\s:,]*`)
		c.mu.Unlock()
		slog.Info("slack connected", "channel", c.Name(), "team", auth.Team)
		c.SetConnected(true)
		c.Drain(ctx, c.rawSend)

	case socketmode.EventTypeConnectionError, socketmode.EventTypeDisconnect:
		if c.IsConnected() {
			slog.Warn("slack socket interrupted, queueing outbound", "channel", c.Name())
		}
		c.SetConnected(false)

	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			c.socket.Ack(*evt.Request)
		}
		if msgEvent, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			c.handleMessage(ctx, msgEvent)
		}
	}
}

// handleMessage projects one events-api message into the normalized shape.
func (c *Channel) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	// Edits, joins, thread broadcasts and other subtypes carry no new text.
	if ev.SubType != "" || ev.Text == "" {
		return
	}

	c.mu.Lock()
	botUserID, botID, mentionRe := c.botUserID, c.botID, c.mentionRe
	c.mu.Unlock()

	isSelf := (botUserID != "" && ev.User == botUserID) || (botID != "" && ev.BotID == botID)
	isGroup := ev.ChannelType != "im"

	var id string
	if isGroup {
		id = chatid.SlackChannel(c.opts.Namespace, ev.Channel)
	} else {
		id = chatid.SlackUser(c.opts.Namespace, ev.User)
	}

	// Rewrite a leading native mention into its plain-text form so the
	// router's trigger gate sees the same shape on every transport.
	text := ev.Text
	if isGroup && mentionRe != nil {
		text = mentionRe.ReplaceAllString(text, mentionReplacement(c.opts.BotName))
	}

	ts := slackTimestamp(ev.TimeStamp)
	c.HandleMetadata(bus.ChatMetadata{
		ChatID:    id,
		Timestamp: ts,
		Transport: chatid.TransportSlack,
		IsGroup:   isGroup,
	})
	c.HandleMessage(bus.Message{
		ID:         ev.Channel + ":" + ev.TimeStamp,
		ChatID:     id,
		SenderID:   ev.User,
		SenderName: c.senderName(ctx, ev.User),
		Text:       text,
		Timestamp:  ts,
		IsSelf:     isSelf,
		IsBot:      ev.BotID != "",
	})
}

// senderName resolves a user's display name via users.info with caching.
func (c *Channel) senderName(ctx context.Context, userID string) string {
	if userID == "" {
		return ""
	}
	if name, ok := c.names.Load(userID); ok {
		return name.(string)
	}
	user, err := c.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		slog.Debug("slack users.info failed", "error", err)
		return ""
	}
	name := user.Profile.DisplayName
	if name == "" {
		name = user.RealName
	}
	c.names.Store(userID, name)
	return name
}

func mentionReplacement(botName string) string {
	if botName == "" {
		return ""
	}
	return "@" + botName + " "
}

// slackTimestamp parses the "1700000000.000200" event timestamp format.
func slackTimestamp(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Now()
	}
	var micro int64
	if frac != "" {
		micro, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(s, micro*1000)
}
