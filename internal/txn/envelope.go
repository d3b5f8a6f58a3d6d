// Package txn is the replay engine: every host call a guest program makes is
// wrapped in an Enter/Exit pair so its outcome is journaled exactly once and
// replayed byte-for-byte on every subsequent execution of the same task.
// This is the one package every other host capability depends on.
package txn

import "encoding/json"

// EnvelopeType discriminates a journaled transaction's two possible
// outcomes, transcribed character for character from original_source's
// TransactionResult enum (`#[serde(tag = "type", content = "data",
// rename_all = "kebab-case")]`).
type EnvelopeType string

const (
	EnvelopeValue EnvelopeType = "value"
	EnvelopePanic EnvelopeType = "panic"
)

// Envelope is the wire shape stored in durable.event.data.
type Envelope struct {
	Type EnvelopeType    `json:"type"`
	Data json.RawMessage `json:"data"`
}

// PanicPayload is what Data holds when Type is EnvelopePanic.
type PanicPayload struct {
	Message string `json:"message"`
}

// UnknownPanicMessage is substituted when a recovered panic's value isn't a
// string or error, mirroring original_source's UNKNOWN_PANIC_MESSAGE.
const UnknownPanicMessage = "workflow panicked with a non-string payload"

func valueEnvelope(data json.RawMessage) Envelope {
	return Envelope{Type: EnvelopeValue, Data: data}
}

func panicEnvelope(message string) Envelope {
	payload, _ := json.Marshal(PanicPayload{Message: message})
	return Envelope{Type: EnvelopePanic, Data: payload}
}
