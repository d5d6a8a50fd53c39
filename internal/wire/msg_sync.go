package wire

// SyncRequest asks the server to sync the subtree at Path. Changes carries
// the client's outgoing local edits scoped to that subtree.
type SyncRequest struct {
	Path    string    `json:"pth"`
	Changes []PatchOp `json:"chg,omitempty"`
}

// PatchSet is the server's view of what the client must replay locally.
type PatchSet struct {
	Path string    `json:"pth"`
	Ops  []PatchOp `json:"ops"`
}

// Completed names the paths the server considers synced for the request.
type Completed struct {
	Paths []string `json:"pts"`
}

type Error struct {
	Code    int    `json:"cod"`
	Path    string `json:"pth"`
	Message string `json:"msg"`
}

func NewSyncRequest(path string, changes []PatchOp) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgSyncRequest,
		Data: &SyncRequest{
			Path:    path,
			Changes: changes,
		},
	}
}

func NewPatchSet(path string, ops []PatchOp) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgPatchSet,
		Data: &PatchSet{
			Path: path,
			Ops:  ops,
		},
	}
}

func NewCompleted(paths []string) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgCompleted,
		Data: &Completed{Paths: paths},
	}
}

func NewError(code int, path string, msg string) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgError,
		Data: &Error{
			Code:    code,
			Path:    path,
			Message: msg,
		},
	}
}
