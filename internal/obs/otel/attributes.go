package otel

import "go.opentelemetry.io/otel/attribute"

// Attribute keys shared by all relay instruments.
var (
	// AttrClientProtocol is the protocol the client spoke (openai,
	// openai_response, anthropic).
	AttrClientProtocol = attribute.Key("relay.client_protocol")

	// AttrTargetProtocol is the protocol of the provider that answered.
	AttrTargetProtocol = attribute.Key("relay.target_protocol")

	// AttrProvider is the answering provider's display name.
	AttrProvider = attribute.Key("relay.provider")

	// AttrRequestedModel is the model name the client asked for.
	AttrRequestedModel = attribute.Key("relay.request.model")

	// AttrTargetModel is the upstream model the request was mapped to.
	AttrTargetModel = attribute.Key("relay.target.model")

	// AttrStatus is the HTTP status returned to the client.
	AttrStatus = attribute.Key("relay.response.status")

	// AttrStreaming marks SSE requests.
	AttrStreaming = attribute.Key("relay.streaming")

	// AttrTokenDirection splits relay.tokens into input and output.
	AttrTokenDirection = attribute.Key("relay.token.direction")
)
