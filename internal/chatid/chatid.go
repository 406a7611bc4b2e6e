// Package chatid defines the transport-qualified address grammar used as the
// sole routing key inside the gateway.
//
// Grammar:
//
//	sig:<e164>
//	sig:group:<opaque>
//	slack:<user>
//	slack:<ns>:<user>
//	slack:channel:<id>
//	slack:<ns>:channel:<id>
//	voice:session
//
// The prefix (everything up to the first colon) determines the owning
// channel. Channels with namespaced instances carry the namespace as the
// second segment, e.g. "slack:cit:channel:C123".
package chatid

import "strings"

const (
	TransportSignal = "sig"
	TransportSlack  = "slack"
	TransportVoice  = "voice"
)

// Voice is the fixed ChatId of the voice HTTP endpoint.
const Voice = "voice:session"

// Transport returns the transport tag of a ChatId ("sig", "slack", "voice").
// Returns "" for a malformed id with no colon.
func Transport(id string) string {
	i := strings.IndexByte(id, ':')
	if i <= 0 {
		return ""
	}
	return id[:i]
}

// IsGroup reports whether the ChatId addresses a group conversation rather
// than a direct one.
func IsGroup(id string) bool {
	parts := strings.Split(id, ":")
	for _, p := range parts[1:] {
		if p == "group" || p == "channel" {
			return true
		}
	}
	return false
}

// Signal builds the ChatId for a direct Signal conversation.
func Signal(e164 string) string { return TransportSignal + ":" + e164 }

// SignalGroup builds the ChatId for a Signal group.
func SignalGroup(groupID string) string { return TransportSignal + ":group:" + groupID }

// SignalAddress splits a sig: ChatId into its recipient or group id.
// Returns (recipient, "", true) for direct chats, ("", groupID, true) for
// groups and ok=false for non-Signal ids.
func SignalAddress(id string) (recipient, groupID string, ok bool) {
	rest, found := strings.CutPrefix(id, TransportSignal+":")
	if !found || rest == "" {
		return "", "", false
	}
	if g, isGroup := strings.CutPrefix(rest, "group:"); isGroup {
		return "", g, g != ""
	}
	return rest, "", true
}

// SlackUser builds the ChatId for a Slack DM. ns may be empty for the
// default workspace instance.
func SlackUser(ns, userID string) string {
	if ns == "" {
		return TransportSlack + ":" + userID
	}
	return TransportSlack + ":" + ns + ":" + userID
}

// SlackChannel builds the ChatId for a Slack channel. ns may be empty.
func SlackChannel(ns, channelID string) string {
	if ns == "" {
		return TransportSlack + ":channel:" + channelID
	}
	return TransportSlack + ":" + ns + ":channel:" + channelID
}

// SlackAddress splits a slack: ChatId into namespace, target id and kind.
// isChannel is true for channel ids, false for user DMs.
func SlackAddress(id string) (ns, target string, isChannel, ok bool) {
	rest, found := strings.CutPrefix(id, TransportSlack+":")
	if !found || rest == "" {
		return "", "", false, false
	}
	parts := strings.Split(rest, ":")
	switch len(parts) {
	case 1:
		return "", parts[0], false, true
	case 2:
		if parts[0] == "channel" {
			return "", parts[1], true, true
		}
		return parts[0], parts[1], false, true
	case 3:
		if parts[1] != "channel" {
			return "", "", false, false
		}
		return parts[0], parts[2], true, true
	}
	return "", "", false, false
}

// Valid reports whether id matches the ChatId grammar.
func Valid(id string) bool {
	switch Transport(id) {
	case TransportSignal:
		_, _, ok := SignalAddress(id)
		return ok
	case TransportSlack:
		_, _, _, ok := SlackAddress(id)
		return ok
	case TransportVoice:
		return id == Voice
	}
	return false
}
