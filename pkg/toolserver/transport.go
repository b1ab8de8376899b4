package toolserver

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mosaic-ai/mosaic/pkg/config"
)

// createTransport creates an MCP SDK transport from config.
func createTransport(cfg config.TransportConfig) (mcpsdk.Transport, error) {
	switch cfg.Type.OrDefault() {
	case config.TransportStdio:
		return createStdioTransport(cfg)
	case config.TransportStreamableHTTP:
		return createHTTPTransport(cfg)
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", cfg.Type)
	}
}

// createStdioTransport builds a transport that spawns the server as a child
// of the connecting session. The subprocess lives exactly as long as the
// session: Connect starts it, Close reaps it.
func createStdioTransport(cfg config.TransportConfig) (*mcpsdk.CommandTransport, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("stdio transport requires command")
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	if cfg.Workdir != "" {
		cmd.Dir = cfg.Workdir
	}

	// Inherit parent environment + config overrides.
	// Template vars (e.g., {{.KUBECONFIG}}) are already resolved by the config loader.
	cmd.Env = mergeEnviron(cfg.Env)

	return &mcpsdk.CommandTransport{Command: cmd}, nil
}

// createHTTPTransport builds a transport pointed at a streamable-http server,
// typically a subprocess kept alive by the Supervisor.
func createHTTPTransport(cfg config.TransportConfig) (*mcpsdk.StreamableClientTransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("streamable-http transport requires url")
	}

	transport := &mcpsdk.StreamableClientTransport{
		Endpoint: cfg.URL,
	}
	token := bearerToken(cfg)
	if token != "" || cfg.Timeout > 0 {
		transport.HTTPClient = buildHTTPClient(cfg, token)
	}
	return transport, nil
}

// bearerToken resolves the bearer token from the configured environment
// variable. The token itself never appears in config files.
func bearerToken(cfg config.TransportConfig) string {
	if cfg.BearerTokenEnv == "" {
		return ""
	}
	return os.Getenv(cfg.BearerTokenEnv)
}

// buildHTTPClient creates an http.Client with auth and timeout settings.
func buildHTTPClient(cfg config.TransportConfig, token string) *http.Client {
	client := &http.Client{
		Transport: http.DefaultTransport.(*http.Transport).Clone(),
	}

	if token != "" {
		client.Transport = &bearerTokenTransport{
			base:  client.Transport,
			token: token,
		}
	}

	if cfg.Timeout > 0 {
		client.Timeout = time.Duration(cfg.Timeout) * time.Second
	}

	return client
}

// bearerTokenTransport wraps an http.RoundTripper to add Authorization headers.
type bearerTokenTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}
