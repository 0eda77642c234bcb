package frames

// Meta keys shared across processors and transports. Values are always
// strings; structured payloads (tool args, results) are JSON-encoded.
const (
	MetaStreamID        = "stream_id"
	MetaOldStreamID     = "old_stream_id"
	MetaFormat          = "format"
	MetaCallSID         = "call_sid"
	MetaTraceID         = "trace_id"
	MetaSource          = "source"
	MetaIsFinal         = "is_final"
	MetaEncoding        = "encoding"
	MetaCodec           = "codec"
	MetaFromNumber      = "from_number"
	MetaParticipantKind = "participant_kind"
	MetaCallEndReason   = "call_end_reason"
	MetaReason          = "reason"

	// Injected conversation context.
	MetaGreetingText    = "greeting_text"
	// Keys carrying this prefix are folded into per-call shared context.
	MetaGlobalPrefix    = "global_"
	MetaSystemMessage   = "system_message"
	MetaRepromptAttempt = "reprompt_attempt"
	MetaRecoveryReason  = "recovery_reason"
	MetaNormalized      = "normalized"
	MetaAgent           = "agent"
	// Marks a response that was truncated to keep spoken turns short.
	MetaShortTurnEnforced = "short_turn_enforced"

	// Tool call lifecycle.
	MetaToolCallID  = "tool_call_id"
	MetaToolName    = "tool_name"
	MetaToolArgs    = "tool_args"
	MetaToolResult  = "tool_result"
	MetaToolError   = "tool_error"
	MetaToolStatus  = "tool_status"
	MetaIdempotency = "idempotency_key"

	// Set on the last text chunk of an LLM turn so TTS flushes synthesis.
	MetaTTSFlush = "tts_flush"
)

// Participant kinds stamped by transports on inbound audio.
const (
	ParticipantTelephony = "telephony"
	ParticipantWeb       = "web"
)
