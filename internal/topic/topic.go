// Package topic implements the peer-to-peer topic grammar
//
//	iot/p2p/<cmd>/<fromId>/<fromType>/<fromRes>/<toId>/<toType>/<toRes>/<mode>/<requestId>/<payloadType>
//
// and the broadcast classification used for device telemetry.
package topic

import (
	"errors"
	"fmt"
	"strings"
)

const (
	Separator = "/"

	// Wildcard is the subscription covering every device topic.
	Wildcard = "iot/#"

	PayloadJSON = "j"
	PayloadRaw  = "x"

	ModeQuery = "q"

	// ProxyHelper is the sender id substituted into upstream commands before
	// they are republished to a local bot.
	ProxyHelper = "proxyhelper"
)

// Segment positions inside a split topic.
const (
	SegRoot = iota
	SegKind
	SegCmd
	SegFromID
	SegFromType
	SegFromRes
	SegToID
	SegToType
	SegToRes
	SegMode
	SegRequestID
	SegPayloadType

	P2PSegments
)

const (
	rootIoT      = "iot"
	kindP2P      = "p2p"
	kindAtr      = "atr"
	categoryErrs = "errors"
)

var ErrNotP2P = errors.New("topic is not a peer-to-peer topic")

// P2P is a decoded peer-to-peer topic.
type P2P struct {
	Cmd         string
	FromID      string
	FromType    string
	FromRes     string
	ToID        string
	ToType      string
	ToRes       string
	Mode        string
	RequestID   string
	PayloadType string
}

func Split(topic string) []string {
	return strings.Split(topic, Separator)
}

func Join(segments []string) string {
	return strings.Join(segments, Separator)
}

// IsP2P reports whether segments carry the full p2p grammar.
func IsP2P(segments []string) bool {
	return len(segments) == P2PSegments && segments[SegKind] == kindP2P
}

func ParseP2P(topic string) (P2P, error) {
	seg := Split(topic)
	if !IsP2P(seg) {
		return P2P{}, fmt.Errorf("%w: %q", ErrNotP2P, topic)
	}
	return P2P{
		Cmd:         seg[SegCmd],
		FromID:      seg[SegFromID],
		FromType:    seg[SegFromType],
		FromRes:     seg[SegFromRes],
		ToID:        seg[SegToID],
		ToType:      seg[SegToType],
		ToRes:       seg[SegToRes],
		Mode:        seg[SegMode],
		RequestID:   seg[SegRequestID],
		PayloadType: seg[SegPayloadType],
	}, nil
}

func (p P2P) String() string {
	return Join([]string{
		rootIoT, kindP2P, p.Cmd,
		p.FromID, p.FromType, p.FromRes,
		p.ToID, p.ToType, p.ToRes,
		p.Mode, p.RequestID, p.PayloadType,
	})
}

// Segment returns segments[i] or "" when the topic is too short.
func Segment(segments []string, i int) string {
	if i < 0 || i >= len(segments) {
		return ""
	}
	return segments[i]
}

// ReplyTo reports whether the topic addresses id as the reply recipient.
func ReplyTo(segments []string, id string) bool {
	return len(segments) > SegRequestID && segments[SegToID] == id
}

// SentBy reports whether id is the sender of the topic.
func SentBy(segments []string, id string) bool {
	return len(segments) > SegFromID && segments[SegFromID] == id
}

// IsBroadcast reports whether segments form an atr/<category>/... topic.
func IsBroadcast(segments []string) bool {
	return len(segments) > 2 && segments[SegKind] == kindAtr
}

// IsError reports whether a broadcast topic belongs to the error category.
func IsError(segments []string) bool {
	return IsBroadcast(segments) && segments[2] == categoryErrs
}

// Category returns the broadcast category, or "" for non-broadcast topics.
func Category(segments []string) string {
	if !IsBroadcast(segments) {
		return ""
	}
	return segments[2]
}

// RewriteSender replaces the sender id of a p2p topic and returns the new
// topic with the previous sender and request id.
func RewriteSender(topic, sender string) (rewritten, previous, requestID string, err error) {
	seg := Split(topic)
	if !IsP2P(seg) {
		return topic, "", "", fmt.Errorf("%w: %q", ErrNotP2P, topic)
	}
	previous = seg[SegFromID]
	seg[SegFromID] = sender
	return Join(seg), previous, seg[SegRequestID], nil
}

// RewriteRecipient replaces the recipient id of a p2p topic.
func RewriteRecipient(topic, recipient string) (string, error) {
	seg := Split(topic)
	if !IsP2P(seg) {
		return topic, fmt.Errorf("%w: %q", ErrNotP2P, topic)
	}
	seg[SegToID] = recipient
	return Join(seg), nil
}
