package toolserver

import (
	"context"

	"github.com/mosaic-ai/mosaic/pkg/config"
	"github.com/mosaic-ai/mosaic/pkg/masking"
)

// ClientFactory creates per-call Clients and ToolExecutors.
type ClientFactory struct {
	registry       *config.ToolServerRegistry
	maskingService *masking.Service
}

// NewClientFactory creates a new factory. maskingService may be nil.
func NewClientFactory(registry *config.ToolServerRegistry, maskingService *masking.Service) *ClientFactory {
	return &ClientFactory{registry: registry, maskingService: maskingService}
}

// CreateClient creates a Client connected to the named servers.
// The caller owns the client and must Close it.
func (f *ClientFactory) CreateClient(ctx context.Context, names []string) (*Client, error) {
	client := newClient(f.registry)
	if err := client.Initialize(ctx, names); err != nil {
		_ = client.Close() // clean up partial initialization
		return nil, err
	}
	return client, nil
}

// CreateToolExecutor creates a fully wired ToolExecutor for one expert call.
// toolFilter optionally restricts each server to an allow-list of tools.
// Closing the executor closes the client and reaps any stdio children.
func (f *ClientFactory) CreateToolExecutor(
	ctx context.Context,
	names []string,
	toolFilter map[string][]string,
) (*ToolExecutor, error) {
	client, err := f.CreateClient(ctx, names)
	if err != nil {
		return nil, err
	}
	return NewToolExecutor(client, names, toolFilter, f.maskingService), nil
}
