package wire

import "fmt"

type MessageType uint16

const (
	MsgHandshake MessageType = iota
	MsgAck
	MsgNack
	MsgSyncRequest
	MsgPatchSet
	MsgCompleted
	MsgError
)

func (t MessageType) String() string {
	switch t {
	case MsgHandshake:
		return "HANDSHAKE"
	case MsgAck:
		return "ACK"
	case MsgNack:
		return "NACK"
	case MsgSyncRequest:
		return "SYNC_REQUEST"
	case MsgPatchSet:
		return "PATCH_SET"
	case MsgCompleted:
		return "COMPLETED"
	case MsgError:
		return "ERROR"
	default:
		return fmt.Sprintf("???(%d)", t)
	}
}
