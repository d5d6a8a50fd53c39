package wire

type OpKind uint8

const (
	OpCreate OpKind = iota
	OpWrite
	OpDelete
	OpRename
	OpSetMeta
)

var opKindNames = []string{
	"Create",
	"Write",
	"Delete",
	"Rename",
	"SetMeta",
}

func (k OpKind) String() string {
	if int(k) < len(opKindNames) {
		return opKindNames[k]
	}
	return "Unknown"
}

// PatchOp is one replayable filesystem operation. PreETag carries the
// checksum of the state the sender observed before the operation; a receiver
// whose live state differs has a concurrent local edit on its hands.
type PatchOp struct {
	Op      OpKind `json:"op"`
	Path    string `json:"pth"`
	OldPath string `json:"old,omitempty"`
	ETag    string `json:"etg,omitempty"`
	PreETag string `json:"pre,omitempty"`
	Content []byte `json:"con,omitempty"`
	Mode    uint32 `json:"mod,omitempty"`
}
