package verto

import (
	"encoding/json"
)

const codeAuthRequired = -32000

// request is one outbound JSON-RPC 2.0 call. The session ID rides along in
// params.sessid on every request.
type request struct {
	Jsonrpc string         `json:"jsonrpc"`
	ID      string         `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
}

func newRequest(sessionID, requestID, method string, params map[string]any) request {
	merged := map[string]any{"sessid": sessionID}

	for k, v := range params {
		merged[k] = v
	}

	return request{
		Jsonrpc: "2.0",
		ID:      requestID,
		Method:  method,
		Params:  merged,
	}
}

// envelope is any inbound message: a response when its ID matches a pending
// request, a server-pushed event otherwise.
type envelope struct {
	ID     flexID          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e Error) Error() string {
	return e.Message
}

// flexID tolerates servers that echo request IDs as numbers.
type flexID string

func (id *flexID) UnmarshalJSON(payload []byte) error {
	if len(payload) > 0 && payload[0] == '"' {
		var s string
		if err := json.Unmarshal(payload, &s); err != nil {
			return err
		}

		*id = flexID(s)

		return nil
	}

	var n json.Number
	if err := json.Unmarshal(payload, &n); err != nil {
		return err
	}

	*id = flexID(n.String())

	return nil
}

type infoParams struct {
	Msg struct {
		To   string `json:"to"`
		From string `json:"from"`
		Body string `json:"body"`
	} `json:"msg"`
}

type eventParams struct {
	SessID       string `json:"sessid"`
	UserID       string `json:"userid"`
	EventChannel string `json:"eventChannel"`
	EventData    string `json:"eventData"`
}
