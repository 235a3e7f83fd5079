package net

// RPCResponse captures both a response and a potential error.
type RPCResponse struct {
	Response *Envelope
	Error    error
}

// RPC encapsulates an RPC request and provides a response mechanism.
type RPC struct {
	Command  *Envelope
	RespChan chan<- RPCResponse
}

// Respond is used to respond with a response, error or both. The response
// channel is buffered by every transport so Respond never blocks.
func (r *RPC) Respond(resp *Envelope, err error) {
	r.RespChan <- RPCResponse{resp, err}
}
