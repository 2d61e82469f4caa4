package tools

// Argument schemas for the built-in tools. Deep config validation
// (prompt length, source shape) lives in the sessions package; the
// schemas gate types, required fields, and unknown keys at the door.

const sessionConfigProperties = `
		"prompt": {"type": "string", "minLength": 1},
		"source": {"type": "string", "minLength": 1},
		"branch": {"type": "string"},
		"title": {"type": "string"},
		"requirePlanApproval": {"type": "boolean"},
		"automationMode": {"type": "string", "enum": ["AUTO_CREATE_PR", "NONE"]}`

const sessionCreateSchema = `{
	"type": "object",
	"properties": {` + sessionConfigProperties + `
	},
	"required": ["prompt", "source"],
	"additionalProperties": false
}`

const sessionIDSchema = `{
	"type": "object",
	"properties": {
		"sessionId": {"type": "string", "minLength": 1}
	},
	"required": ["sessionId"],
	"additionalProperties": false
}`

const sessionListSchema = `{
	"type": "object",
	"properties": {
		"state": {"type": "string"},
		"limit": {"type": "integer", "minimum": 1, "maximum": 500}
	},
	"additionalProperties": false
}`

const sessionMessageSchema = `{
	"type": "object",
	"properties": {
		"sessionId": {"type": "string", "minLength": 1},
		"message": {"type": "string", "minLength": 1}
	},
	"required": ["sessionId", "message"],
	"additionalProperties": false
}`

const sessionCloneSchema = `{
	"type": "object",
	"properties": {
		"sessionId": {"type": "string", "minLength": 1},
		"prompt": {"type": "string"},
		"title": {"type": "string"}
	},
	"required": ["sessionId"],
	"additionalProperties": false
}`

const sessionRetrySchema = `{
	"type": "object",
	"properties": {
		"sessionId": {"type": "string", "minLength": 1},
		"prompt": {"type": "string"}
	},
	"required": ["sessionId"],
	"additionalProperties": false
}`

const searchSchema = `{
	"type": "object",
	"properties": {
		"query": {"type": "string", "minLength": 1},
		"limit": {"type": "integer", "minimum": 1, "maximum": 500}
	},
	"required": ["query"],
	"additionalProperties": false
}`

const emptySchema = `{
	"type": "object",
	"additionalProperties": false
}`

const batchCreateSchema = `{
	"type": "object",
	"properties": {
		"sessions": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"properties": {` + sessionConfigProperties + `
				},
				"required": ["prompt", "source"],
				"additionalProperties": false
			}
		},
		"parallel": {"type": "integer", "minimum": 1, "maximum": 8}
	},
	"required": ["sessions"],
	"additionalProperties": false
}`

const batchIDSchema = `{
	"type": "object",
	"properties": {
		"batchId": {"type": "string", "minLength": 1}
	},
	"required": ["batchId"],
	"additionalProperties": false
}`

const queueAddSchema = `{
	"type": "object",
	"properties": {
		"config": {
			"type": "object",
			"properties": {` + sessionConfigProperties + `
			},
			"required": ["prompt", "source"],
			"additionalProperties": false
		},
		"priority": {"type": "integer", "minimum": 0, "maximum": 100}
	},
	"required": ["config"],
	"additionalProperties": false
}`

const templateCreateSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string", "minLength": 1, "maxLength": 100},
		"description": {"type": "string"},
		"config": {
			"type": "object",
			"properties": {` + sessionConfigProperties + `
			},
			"required": ["prompt", "source"],
			"additionalProperties": false
		}
	},
	"required": ["name", "config"],
	"additionalProperties": false
}`

const templateNameSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string", "minLength": 1}
	},
	"required": ["name"],
	"additionalProperties": false
}`

const templateUseSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"overrides": {
			"type": "object",
			"properties": {` + sessionConfigProperties + `
			},
			"additionalProperties": false
		}
	},
	"required": ["name"],
	"additionalProperties": false
}`
