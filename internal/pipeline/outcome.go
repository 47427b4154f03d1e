package pipeline

// Outcome is the result of one gate evaluation. The zero value continues the
// chain; a halting outcome carries everything needed to write the response.
type Outcome struct {
	halt bool

	Status  int
	Code    string
	Message string
	Details map[string]any

	// Headers are set on the response before the body is written, both for
	// halts and for plain header-only side effects like CORS.
	Headers map[string]string

	// ReplayBody, when set, is written verbatim instead of an error envelope.
	// Used for idempotent replays and preflight responses.
	ReplayBody []byte
	rawReplay  bool
}

// Continue lets the chain proceed.
func Continue() Outcome { return Outcome{} }

// Halt stops the chain with a structured error.
func Halt(status int, code, message string) Outcome {
	return Outcome{halt: true, Status: status, Code: code, Message: message}
}

// WithDetails attaches structured error details.
func (o Outcome) WithDetails(details map[string]any) Outcome {
	o.Details = details
	return o
}

// WithHeader adds a response header to a halting outcome.
func (o Outcome) WithHeader(key, value string) Outcome {
	if o.Headers == nil {
		o.Headers = make(map[string]string, 2)
	}
	o.Headers[key] = value
	return o
}

// Replay halts the chain writing body verbatim with the given status.
func Replay(status int, body []byte) Outcome {
	return Outcome{halt: true, Status: status, ReplayBody: body, rawReplay: true}
}

// NoContent halts the chain with an empty response, used by preflight.
func NoContent(status int) Outcome {
	return Outcome{halt: true, Status: status, rawReplay: true}
}

// Halted reports whether the outcome stops the chain.
func (o Outcome) Halted() bool { return o.halt }
