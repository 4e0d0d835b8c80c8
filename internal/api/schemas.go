package api

import "peer-tether/internal/common/validation"

const profileSchema = `{
	"type": "object",
	"required": ["user_id"],
	"properties": {
		"user_id": {"type": "string", "minLength": 1},
		"timezone_offset": {"type": "number", "minimum": -12, "maximum": 14},
		"languages": {"type": "array", "items": {"type": "string"}},
		"interests": {"type": "array", "items": {"type": "string"}},
		"support_topics": {"type": "array", "items": {"type": "string"}},
		"specializations": {"type": "array", "items": {"type": "string"}},
		"communication_style": {"type": "string"},
		"availability": {"type": "array", "items": {"type": "string"}},
		"experience_level": {"type": "integer", "minimum": 0}
	}
}`

const urgencyEnum = `{"type": "string", "enum": ["LOW", "MEDIUM", "HIGH", "CRITICAL"]}`

const categoryEnum = `{"type": "string", "enum": ["crisis", "self_harm", "medical", "safety", "panic", "other"]}`

const locationSchema = `{
	"type": "object",
	"required": ["latitude", "longitude"],
	"properties": {
		"latitude": {"type": "number", "minimum": -90, "maximum": 90},
		"longitude": {"type": "number", "minimum": -180, "maximum": 180},
		"accuracy": {"type": "number", "minimum": 0}
	}
}`

var (
	createSessionSchema = validation.MustCompile("create_session", `{
		"type": "object",
		"required": ["secret"],
		"properties": {
			"secret": {"type": "string", "minLength": 8}
		}
	}`)

	encryptSchema = validation.MustCompile("encrypt", `{
		"type": "object",
		"required": ["plaintext"],
		"properties": {
			"plaintext": {"type": "string", "minLength": 1, "maxLength": 65536}
		}
	}`)

	decryptSchema = validation.MustCompile("decrypt", `{
		"type": "object",
		"required": ["bundle"],
		"properties": {
			"bundle": {
				"type": "object",
				"required": ["ciphertext", "nonce", "tag", "session_id", "key_version", "timestamp"],
				"properties": {
					"ciphertext": {"type": "string"},
					"nonce": {"type": "string"},
					"tag": {"type": "string"},
					"session_id": {"type": "string"},
					"key_version": {"type": "integer", "minimum": 1},
					"timestamp": {"type": "string", "format": "date-time"}
				}
			}
		}
	}`)

	issueTokenSchema = validation.MustCompile("issue_token", `{
		"type": "object",
		"required": ["permissions"],
		"properties": {
			"permissions": {
				"type": "array",
				"minItems": 1,
				"items": {"type": "string", "enum": ["encrypt", "decrypt", "rotate"]}
			}
		}
	}`)

	sharedSecretSchema = validation.MustCompile("shared_secret", `{
		"type": "object",
		"required": ["peer_public_key"],
		"properties": {
			"peer_public_key": {"type": "string", "minLength": 1}
		}
	}`)

	createConnectionSchema = validation.MustCompile("create_connection", `{
		"type": "object",
		"required": ["seeker", "supporter"],
		"properties": {
			"seeker": `+profileSchema+`,
			"supporter": `+profileSchema+`,
			"preferences": {
				"type": "object",
				"properties": {
					"max_timezone_diff": {"type": "number", "minimum": 0},
					"required_languages": {"type": "array", "items": {"type": "string"}},
					"communication_style": {"type": "string"},
					"min_experience": {"type": "integer", "minimum": 0}
				}
			}
		}
	}`)

	pulseSchema = validation.MustCompile("pulse", `{
		"type": "object",
		"required": ["sender_id", "type"],
		"properties": {
			"sender_id": {"type": "string", "minLength": 1},
			"type": {"type": "string", "enum": ["heartbeat", "message", "check_in", "emergency"]},
			"strength": {"type": "number", "minimum": 0, "maximum": 1},
			"mood": {"type": "integer", "minimum": 0, "maximum": 10},
			"status": {"type": "string", "enum": ["ok", "struggling", "thinking_of_you", "crisis"]},
			"message": {"type": "string", "maxLength": 2000},
			"is_emergency": {"type": "boolean"},
			"urgency": `+urgencyEnum+`,
			"category": `+categoryEnum+`,
			"location": `+locationSchema+`,
			"latency_ms": {"type": "number", "minimum": 0}
		}
	}`)

	ackPulseSchema = validation.MustCompile("ack_pulse", `{
		"type": "object",
		"required": ["user_id"],
		"properties": {
			"user_id": {"type": "string", "minLength": 1}
		}
	}`)

	emergencySchema = validation.MustCompile("emergency", `{
		"type": "object",
		"required": ["urgency"],
		"properties": {
			"triggered_by": {"type": "string"},
			"urgency": `+urgencyEnum+`,
			"category": `+categoryEnum+`,
			"message": {"type": "string", "maxLength": 2000},
			"location": `+locationSchema+`,
			"responders": {"type": "array", "items": {"type": "string", "minLength": 1}}
		}
	}`)

	acknowledgeSchema = validation.MustCompile("acknowledge", `{
		"type": "object",
		"required": ["responder_id"],
		"properties": {
			"responder_id": {"type": "string", "minLength": 1}
		}
	}`)

	respondSchema = validation.MustCompile("respond", `{
		"type": "object",
		"required": ["responder_id"],
		"properties": {
			"responder_id": {"type": "string", "minLength": 1},
			"action_taken": {"type": "string", "maxLength": 2000},
			"follow_up_required": {"type": "boolean"}
		}
	}`)

	resolveSchema = validation.MustCompile("resolve", `{
		"type": "object",
		"properties": {
			"responder_id": {"type": "string"},
			"outcome": {"type": "string", "enum": ["RESOLVED", "ESCALATED"]}
		}
	}`)

	escalateSchema = validation.MustCompile("escalate", `{
		"type": "object",
		"properties": {
			"reason": {"type": "string", "maxLength": 200}
		}
	}`)
)
