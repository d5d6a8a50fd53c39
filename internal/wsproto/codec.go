package wsproto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/coder/websocket"
	"github.com/syncbox/syncbox/internal/wire"
	"github.com/vmihailenco/msgpack/v5"
)

// Encoding indicates which wire encoding is used for WebSocket messages.
type Encoding uint8

const (
	EncodingJSON Encoding = iota
	EncodingMsgPack
)

func (e Encoding) String() string {
	switch e {
	case EncodingMsgPack:
		return "msgpack"
	default:
		return "json"
	}
}

const (
	magic0  = byte('S')
	magic1  = byte('X')
	version = byte(1)
)

// PreferredEncoding parses a comma-separated preference list (e.g. "msgpack,json").
// Returns EncodingJSON if the list is empty or unknown.
func PreferredEncoding(list string) Encoding {
	for _, p := range strings.Split(list, ",") {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "msgpack":
			return EncodingMsgPack
		case "json":
			return EncodingJSON
		}
	}
	return EncodingJSON
}

// envelope is the msgpack wire form: typed payload encoded separately so the
// receiver can pick the concrete struct before decoding.
type envelope struct {
	Id   string           `msgpack:"id"`
	Type wire.MessageType `msgpack:"typ"`
	Data []byte           `msgpack:"dat"`
}

// Marshal encodes a wire.Message for WebSocket transport.
// JSON uses TextMessage. MsgPack uses BinaryMessage with an
// [magic][version][encoding][payload] header.
func Marshal(msg *wire.Message, enc Encoding) (websocket.MessageType, []byte, error) {
	if enc == EncodingJSON {
		data, err := json.Marshal(msg)
		return websocket.MessageText, data, err
	}

	dat, err := msgpack.Marshal(msg.Data)
	if err != nil {
		return websocket.MessageBinary, nil, err
	}

	payload, err := msgpack.Marshal(&envelope{Id: msg.Id, Type: msg.Type, Data: dat})
	if err != nil {
		return websocket.MessageBinary, nil, err
	}

	buf := make([]byte, 4+len(payload))
	buf[0], buf[1], buf[2], buf[3] = magic0, magic1, version, byte(enc)
	copy(buf[4:], payload)
	return websocket.MessageBinary, buf, nil
}

// Unmarshal decodes a WebSocket frame into a wire.Message.
func Unmarshal(typ websocket.MessageType, data []byte) (*wire.Message, Encoding, error) {
	switch typ {
	case websocket.MessageText:
		var msg wire.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, EncodingJSON, err
		}
		return &msg, EncodingJSON, nil

	case websocket.MessageBinary:
		if len(data) < 4 || data[0] != magic0 || data[1] != magic1 {
			return nil, EncodingMsgPack, errors.New("binary message missing SX envelope")
		}
		if data[2] != version {
			return nil, EncodingMsgPack, fmt.Errorf("unsupported ws envelope version: %d", data[2])
		}
		enc := Encoding(data[3])
		payload := data[4:]
		switch enc {
		case EncodingMsgPack:
			msg, err := unmarshalMsgpack(payload)
			return msg, enc, err
		case EncodingJSON:
			// Allow binary JSON envelopes if ever used.
			var msg wire.Message
			if err := json.Unmarshal(payload, &msg); err != nil {
				return nil, enc, err
			}
			return &msg, enc, nil
		default:
			return nil, enc, fmt.Errorf("unknown ws encoding: %d", enc)
		}

	default:
		return nil, EncodingJSON, fmt.Errorf("unsupported websocket message type: %v", typ)
	}
}

func unmarshalMsgpack(payload []byte) (*wire.Message, error) {
	var env envelope
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	dec.SetCustomStructTag("msgpack")
	if err := dec.Decode(&env); err != nil {
		return nil, err
	}

	msg := &wire.Message{Id: env.Id, Type: env.Type}
	switch env.Type {
	case wire.MsgHandshake:
		var hs wire.Handshake
		if err := msgpack.Unmarshal(env.Data, &hs); err != nil {
			return nil, err
		}
		msg.Data = hs
	case wire.MsgAck:
		var ack wire.Ack
		if err := msgpack.Unmarshal(env.Data, &ack); err != nil {
			return nil, err
		}
		msg.Data = ack
	case wire.MsgNack:
		var nack wire.Nack
		if err := msgpack.Unmarshal(env.Data, &nack); err != nil {
			return nil, err
		}
		msg.Data = nack
	case wire.MsgSyncRequest:
		var req wire.SyncRequest
		if err := msgpack.Unmarshal(env.Data, &req); err != nil {
			return nil, err
		}
		msg.Data = req
	case wire.MsgPatchSet:
		var ps wire.PatchSet
		if err := msgpack.Unmarshal(env.Data, &ps); err != nil {
			return nil, err
		}
		msg.Data = ps
	case wire.MsgCompleted:
		var done wire.Completed
		if err := msgpack.Unmarshal(env.Data, &done); err != nil {
			return nil, err
		}
		msg.Data = done
	case wire.MsgError:
		var e wire.Error
		if err := msgpack.Unmarshal(env.Data, &e); err != nil {
			return nil, err
		}
		msg.Data = e
	default:
		return nil, fmt.Errorf("unknown message type: %d", env.Type)
	}

	return msg, nil
}
