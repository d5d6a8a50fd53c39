package wire

type Handshake struct {
	Token string `json:"tok"`
}

type Ack struct {
	OriginalId string `json:"oid"`
}

type Nack struct {
	OriginalId string `json:"oid"`
	Error      string `json:"err"`
}

func NewHandshake(token string) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgHandshake,
		Data: &Handshake{Token: token},
	}
}

func NewAck(originalMsgId string) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgAck,
		Data: &Ack{OriginalId: originalMsgId},
	}
}

func NewNack(originalMsgId string, err string) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgNack,
		Data: &Nack{
			OriginalId: originalMsgId,
			Error:      err,
		},
	}
}
