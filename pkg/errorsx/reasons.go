package errorsx

// ReasonCode tags an error with a short machine-readable cause. The
// codes end up in structured logs and metrics, so they stay stable
// even when the wrapped error text changes.
type ReasonCode string

// Order capture failures.
const (
	ReasonOrderSave       ReasonCode = "order_save_failed"
	ReasonOrderIncomplete ReasonCode = "order_incomplete"
)

// Tool dispatch failures.
const (
	ReasonToolDispatch ReasonCode = "tool_dispatch"
	ReasonToolTimeout  ReasonCode = "tool_timeout"
)

// Vendor failures, one set per leg of the speech loop.
const (
	ReasonSTTConnect     ReasonCode = "stt_connect"
	ReasonSTTSend        ReasonCode = "stt_send"
	ReasonSTTRetry       ReasonCode = "stt_retry"
	ReasonSTTRateLimit   ReasonCode = "stt_rate_limit"
	ReasonSTTCircuitOpen ReasonCode = "stt_circuit_open"

	ReasonLLMGenerate  ReasonCode = "llm_generate"
	ReasonLLMStream    ReasonCode = "llm_stream"
	ReasonLLMRateLimit ReasonCode = "llm_rate_limit"

	ReasonTTSConnect     ReasonCode = "tts_connect"
	ReasonTTSSend        ReasonCode = "tts_send"
	ReasonTTSRetry       ReasonCode = "tts_retry"
	ReasonTTSRateLimit   ReasonCode = "tts_rate_limit"
	ReasonTTSCircuitOpen ReasonCode = "tts_circuit_open"
)

// Everything else.
const (
	ReasonUnknown       ReasonCode = "unknown"
	ReasonConfigInvalid ReasonCode = "config_invalid"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
)
