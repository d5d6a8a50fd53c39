package wire

import (
	"encoding/json"
	"fmt"

	"github.com/syncbox/syncbox/internal/utils"
)

const IdSize = 3

type Message struct {
	Id   string      `json:"id"`
	Type MessageType `json:"typ"`
	Data any         `json:"dat"`
}

// UnmarshalJSON decodes the payload into the concrete type named by Type.
func (m *Message) UnmarshalJSON(data []byte) error {
	type rawMessage struct {
		Id   string          `json:"id"`
		Type MessageType     `json:"typ"`
		Data json.RawMessage `json:"dat"`
	}

	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	m.Id = raw.Id
	m.Type = raw.Type

	switch m.Type {
	case MsgHandshake:
		var hs Handshake
		if err := json.Unmarshal(raw.Data, &hs); err != nil {
			return err
		}
		m.Data = hs
	case MsgAck:
		var ack Ack
		if err := json.Unmarshal(raw.Data, &ack); err != nil {
			return err
		}
		m.Data = ack
	case MsgNack:
		var nack Nack
		if err := json.Unmarshal(raw.Data, &nack); err != nil {
			return err
		}
		m.Data = nack
	case MsgSyncRequest:
		var req SyncRequest
		if err := json.Unmarshal(raw.Data, &req); err != nil {
			return err
		}
		m.Data = req
	case MsgPatchSet:
		var ps PatchSet
		if err := json.Unmarshal(raw.Data, &ps); err != nil {
			return err
		}
		m.Data = ps
	case MsgCompleted:
		var done Completed
		if err := json.Unmarshal(raw.Data, &done); err != nil {
			return err
		}
		m.Data = done
	case MsgError:
		var e Error
		if err := json.Unmarshal(raw.Data, &e); err != nil {
			return err
		}
		m.Data = e
	default:
		return fmt.Errorf("unknown message type: %d", m.Type)
	}

	return nil
}

func generateID() string {
	return utils.TokenHex(IdSize)
}
