package helperbot

import (
	"encoding/json"
	"fmt"

	"github.com/life-stream-dev/robovac-mqtt-broker/internal/identity"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/topic"
)

const (
	RetOK   = "ok"
	RetFail = "fail"

	ErrnoFailure = 500

	DebugTimeout   = "wait for response timed out"
	DebugException = "exception occurred please check logs"
)

// Command is an operator request addressed to one device.
type Command struct {
	CmdName     string `json:"cmdName"`
	ToID        string `json:"toId"`
	ToType      string `json:"toType"`
	ToRes       string `json:"toRes"`
	PayloadType string `json:"payloadType"`
	Payload     any    `json:"payload"`
}

// Result is returned to the caller of SendCommand and AwaitResponse.
type Result struct {
	ID    string `json:"id"`
	Ret   string `json:"ret"`
	Resp  any    `json:"resp,omitempty"`
	Errno int    `json:"errno,omitempty"`
	Debug string `json:"debug,omitempty"`
}

func (r Result) OK() bool {
	return r.Ret == RetOK
}

func okResult(id string, resp any) Result {
	return Result{ID: id, Ret: RetOK, Resp: resp}
}

func failResult(id, debug string) Result {
	return Result{ID: id, Ret: RetFail, Errno: ErrnoFailure, Debug: debug}
}

// Topic builds the request topic with the helperbot as sender.
func (c Command) Topic(requestID string) string {
	return topic.P2P{
		Cmd:         c.CmdName,
		FromID:      identity.HelperBotUserID,
		FromType:    identity.HelperBotRealm,
		FromRes:     identity.HelperBotResource,
		ToID:        c.ToID,
		ToType:      c.ToType,
		ToRes:       c.ToRes,
		Mode:        topic.ModeQuery,
		RequestID:   requestID,
		PayloadType: c.PayloadType,
	}.String()
}

// EncodePayload renders the payload for the wire: JSON for "j", text
// otherwise.
func (c Command) EncodePayload() ([]byte, error) {
	if c.PayloadType == topic.PayloadJSON {
		data, err := json.Marshal(c.Payload)
		if err != nil {
			return nil, fmt.Errorf("error occured while encoding payload: %w", err)
		}
		return data, nil
	}
	switch p := c.Payload.(type) {
	case nil:
		return []byte{}, nil
	case string:
		return []byte(p), nil
	case []byte:
		return p, nil
	default:
		return []byte(fmt.Sprint(p)), nil
	}
}

// DecodePayload interprets a reply payload according to payloadType.
func DecodePayload(payloadType string, payload []byte) (any, error) {
	if payloadType != topic.PayloadJSON {
		return string(payload), nil
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("error occured while decoding reply: %w", err)
	}
	return decoded, nil
}
