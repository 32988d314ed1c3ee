package llm

import (
	"context"
	"fmt"
	"strings"
)

// MultiClient routes requests to a provider based on the model name.
// A model may be written "provider/model" to pick the provider
// explicitly; the prefix is stripped before the request is sent.
type MultiClient struct {
	clients  map[string]Client // provider name → client
	models   map[string]string // model name → provider name
	fallback Client            // default client for unknown models
}

// NewMultiClient creates a client that routes to multiple providers.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a client for a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.models[modelName] = providerName
}

// clientFor returns the client and the provider-local model name.
func (m *MultiClient) clientFor(model string) (Client, string) {
	if provider, rest, ok := strings.Cut(model, "/"); ok {
		if client, ok := m.clients[provider]; ok {
			return client, rest
		}
	}
	if provider, ok := m.models[model]; ok {
		if client, ok := m.clients[provider]; ok {
			return client, model
		}
	}
	return m.fallback, model
}

// Chat sends a request to the appropriate provider for the model.
func (m *MultiClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	client, model := m.clientFor(req.Model)
	if client == nil {
		return nil, fmt.Errorf("no provider configured for model %q", req.Model)
	}
	if model != req.Model {
		routed := *req
		routed.Model = model
		req = &routed
	}
	return client.Chat(ctx, req)
}
