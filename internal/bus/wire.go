package bus

// frame is the single newline-delimited JSON message exchanged over a
// bus connection: either a fire-and-forget publish or a query expecting
// one reply frame before the connection closes.
type frame struct {
	Type    string `json:"type"` // "publish" | "query"
	Key     string `json:"key"`
	Payload []byte `json:"payload,omitempty"` // encoding/json base64-encodes []byte automatically
}

// replyFrame is the single response written back for a query frame.
type replyFrame struct {
	Payload []byte `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}
