package verto

import (
	"encoding/base64"
	"encoding/json"

	"peer-call/pkg/log"
)

// Broadcast and direct-message bodies travel as base64-encoded UTF-8 JSON.
// These helpers eat errors: a flaky relay must not be able to crash the
// client with a malformed payload, so failures are logged and reported as a
// boolean.

func encodeBody(v any) (string, bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Error("encode body: ", err)

		return "", false
	}

	return base64.StdEncoding.EncodeToString(payload), true
}

func decodeBody(encoded string) (json.RawMessage, bool) {
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		log.Error("decode body: ", err)

		return nil, false
	}

	if !json.Valid(payload) {
		log.Error("decode body: not valid JSON")

		return nil, false
	}

	return payload, true
}

func parseEnvelope(payload []byte) *envelope {
	env := &envelope{}

	if err := json.Unmarshal(payload, env); err != nil {
		log.Error("parse message: ", err)

		return nil
	}

	return env
}
