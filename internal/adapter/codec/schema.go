package codec

import "nightly-connect/internal/domain"

// Schemas are built from small helpers and compiled once. Every object is
// closed (additionalProperties false) so shape drift is caught at decode.

func str() map[string]any { return map[string]any{"type": "string"} }

func id() map[string]any { return map[string]any{"type": "string", "minLength": 1} }

func boolean() map[string]any { return map[string]any{"type": "boolean"} }

func count() map[string]any { return map[string]any{"type": "integer", "minimum": 0} }

// list accepts null so nil slices encode and round-trip.
func list(items map[string]any) map[string]any {
	return map[string]any{"type": []string{"array", "null"}, "items": items}
}

func object(required []string, props map[string]any) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":                 "object",
		"required":             required,
		"properties":           props,
		"additionalProperties": false,
	}
}

var appMetadataSchema = object([]string{"name"}, map[string]any{
	"name":           str(),
	"url":            str(),
	"description":    str(),
	"icon":           str(),
	"additionalInfo": str(),
})

var messageToSignSchema = object([]string{"message"}, map[string]any{
	"message":  str(),
	"metadata": str(),
})

var payloadSchema = object([]string{"kind"}, map[string]any{
	"kind": map[string]any{
		"type": "string",
		"enum": []string{domain.PayloadSignTransactions, domain.PayloadSignMessages},
	},
	"transactions": list(str()),
	"messages":     list(messageToSignSchema),
	"metadata":     str(),
})

var newPayloadSchema = object([]string{"requestId", "sessionId", "payload"}, map[string]any{
	"requestId": id(),
	"sessionId": id(),
	"payload":   payloadSchema,
})

// envelopeSchema describes the fields of one variant. The "type" property is
// added by messageSchema.
type envelopeSchema struct {
	required []string
	props    map[string]any
}

var envelopeSchemas = map[domain.MessageType]envelopeSchema{
	domain.TypeInitializeRequest: {
		required: []string{"responseId", "appMetadata", "network", "persistent", "version"},
		props: map[string]any{
			"responseId":          id(),
			"appMetadata":         appMetadataSchema,
			"network":             str(),
			"persistent":          boolean(),
			"persistentSessionId": str(),
			"version":             str(),
		},
	},
	domain.TypeInitializeResponse: {
		required: []string{"responseId", "sessionId", "createdNew"},
		props: map[string]any{
			"responseId":  id(),
			"sessionId":   id(),
			"createdNew":  boolean(),
			"publicKeys":  list(str()),
			"clientCount": count(),
		},
	},
	domain.TypeUserConnectedEvent: {
		required: []string{"publicKeys"},
		props: map[string]any{
			"publicKeys": list(str()),
			"metadata":   str(),
		},
	},
	domain.TypeUserDisconnectedEvent: {
		props: map[string]any{},
	},
	domain.TypeSignTransactionsRequest: {
		required: []string{"responseId", "transactions"},
		props: map[string]any{
			"responseId":   id(),
			"transactions": list(str()),
			"metadata":     str(),
		},
	},
	domain.TypeSignTransactionsResponse: {
		required: []string{"responseId", "signedTransactions"},
		props: map[string]any{
			"responseId":         id(),
			"signedTransactions": list(str()),
			"sessionId":          str(),
		},
	},
	domain.TypeSignMessagesRequest: {
		required: []string{"responseId", "messages"},
		props: map[string]any{
			"responseId": id(),
			"messages":   list(messageToSignSchema),
			"metadata":   str(),
		},
	},
	domain.TypeSignMessagesResponse: {
		required: []string{"responseId", "signedMessages"},
		props: map[string]any{
			"responseId":     id(),
			"signedMessages": list(str()),
			"sessionId":      str(),
		},
	},
	domain.TypeRequestRejected: {
		required: []string{"responseId"},
		props: map[string]any{
			"responseId": id(),
			"reason":     str(),
			"sessionId":  str(),
		},
	},
	domain.TypeErrorMessage: {
		required: []string{"responseId", "error"},
		props: map[string]any{
			"responseId": str(),
			"error":      str(),
		},
	},
	domain.TypeAckMessage: {
		required: []string{"responseId"},
		props: map[string]any{
			"responseId": id(),
		},
	},
	domain.TypeConnect: {
		required: []string{"responseId", "publicKeys", "sessionId"},
		props: map[string]any{
			"responseId": id(),
			"publicKeys": list(str()),
			"sessionId":  id(),
			"device":     str(),
			"metadata":   str(),
		},
	},
	domain.TypeGetInfoRequest: {
		required: []string{"responseId", "sessionId"},
		props: map[string]any{
			"responseId": id(),
			"sessionId":  id(),
		},
	},
	domain.TypeGetInfoResponse: {
		required: []string{"responseId", "appMetadata", "network", "version"},
		props: map[string]any{
			"responseId":  id(),
			"appMetadata": appMetadataSchema,
			"network":     str(),
			"version":     str(),
		},
	},
	domain.TypeGetPendingRequestsRequest: {
		required: []string{"responseId", "sessionId"},
		props: map[string]any{
			"responseId": id(),
			"sessionId":  id(),
		},
	},
	domain.TypeGetPendingRequestsResponse: {
		required: []string{"responseId", "requests"},
		props: map[string]any{
			"responseId": id(),
			"requests":   list(newPayloadSchema),
		},
	},
	domain.TypeNewPayloadEvent: {
		required: newPayloadSchema["required"].([]string),
		props:    newPayloadSchema["properties"].(map[string]any),
	},
	domain.TypeAppDisconnectedEvent: {
		required: []string{"sessionId", "reason"},
		props: map[string]any{
			"sessionId": id(),
			"reason":    str(),
		},
	},
	domain.TypeClientInitializeRequest: {
		required: []string{"responseId", "clientId"},
		props: map[string]any{
			"responseId": id(),
			"clientId":   id(),
		},
	},
	domain.TypeClientInitializeResponse: {
		required: []string{"responseId"},
		props: map[string]any{
			"responseId": id(),
		},
	},
	domain.TypeGetSessionsRequest: {
		required: []string{"responseId"},
		props: map[string]any{
			"responseId": id(),
		},
	},
	domain.TypeGetSessionsResponse: {
		required: []string{"responseId", "sessions"},
		props: map[string]any{
			"responseId": id(),
			"sessions":   list(str()),
		},
	},
	domain.TypeDropSessionsRequest: {
		required: []string{"responseId", "sessions"},
		props: map[string]any{
			"responseId": id(),
			"sessions":   list(str()),
		},
	},
	domain.TypeDropSessionsResponse: {
		required: []string{"responseId", "droppedSessions"},
		props: map[string]any{
			"responseId":      id(),
			"droppedSessions": list(str()),
		},
	},
}

// messageSchema returns the full top-level schema for tag t.
func messageSchema(t domain.MessageType, s envelopeSchema) map[string]any {
	props := make(map[string]any, len(s.props)+1)
	for k, v := range s.props {
		props[k] = v
	}
	props["type"] = map[string]any{"const": string(t)}
	required := append([]string{"type"}, s.required...)
	return object(required, props)
}
