package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mosaic-ai/mosaic/pkg/agent"
	"github.com/mosaic-ai/mosaic/pkg/config"
	"github.com/mosaic-ai/mosaic/pkg/expert"
	"github.com/mosaic-ai/mosaic/pkg/session"
)

// scriptedClient replies to Generate calls from a fixed script, one reply
// per call, repeating the last entry when the script runs out.
type scriptedClient struct {
	mu      sync.Mutex
	replies []string
	errMsg  string
	delay   time.Duration
	usage   *agent.Usage
	inputs  []*agent.GenerateInput
	tracker *concurrencyTracker
	calls   atomic.Int32
}

func newScriptedClient(replies ...string) *scriptedClient {
	return &scriptedClient{replies: replies}
}

func (c *scriptedClient) Generate(ctx context.Context, input *agent.GenerateInput) (<-chan agent.Chunk, error) {
	n := int(c.calls.Add(1)) - 1

	c.mu.Lock()
	c.inputs = append(c.inputs, input)
	reply := ""
	if len(c.replies) > 0 {
		if n >= len(c.replies) {
			n = len(c.replies) - 1
		}
		reply = c.replies[n]
	}
	c.mu.Unlock()

	out := make(chan agent.Chunk, 4)
	go func() {
		defer close(out)
		if c.tracker != nil {
			c.tracker.enter()
			defer c.tracker.leave()
		}
		if c.delay > 0 {
			select {
			case <-time.After(c.delay):
			case <-ctx.Done():
				out <- &agent.ErrorChunk{Message: ctx.Err().Error()}
				return
			}
		}
		if c.errMsg != "" {
			out <- &agent.ErrorChunk{Message: c.errMsg}
			return
		}
		out <- &agent.TextChunk{Content: reply}
		if c.usage != nil {
			out <- &agent.UsageChunk{
				InputTokens:  c.usage.InputTokens,
				OutputTokens: c.usage.OutputTokens,
				TotalTokens:  c.usage.TotalTokens,
			}
		}
	}()
	return out, nil
}

func (c *scriptedClient) Close() error { return nil }

// lastInput returns the most recent GenerateInput the client saw.
func (c *scriptedClient) lastInput() *agent.GenerateInput {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inputs) == 0 {
		return nil
	}
	return c.inputs[len(c.inputs)-1]
}

// concurrencyTracker records the peak number of Generate calls running at
// the same time.
type concurrencyTracker struct {
	mu   sync.Mutex
	cur  int
	peak int
}

func (t *concurrencyTracker) enter() {
	t.mu.Lock()
	t.cur++
	if t.cur > t.peak {
		t.peak = t.cur
	}
	t.mu.Unlock()
}

func (t *concurrencyTracker) leave() {
	t.mu.Lock()
	t.cur--
	t.mu.Unlock()
}

func (t *concurrencyTracker) observedPeak() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peak
}

// fakeSource is a WorkerSource over a fixed descriptor list with scripted
// clients, so orchestrator tests never build real LLM backends.
type fakeSource struct {
	mu           sync.Mutex
	descriptors  []*expert.Descriptor
	clients      map[string]agent.LLMClient
	workerErrs   map[string]error
	sessions     map[string][]string
	instructions map[string]string
}

func newFakeSource(descriptors ...*expert.Descriptor) *fakeSource {
	return &fakeSource{
		descriptors:  descriptors,
		clients:      make(map[string]agent.LLMClient),
		workerErrs:   make(map[string]error),
		sessions:     make(map[string][]string),
		instructions: make(map[string]string),
	}
}

func (f *fakeSource) client(id string, c agent.LLMClient) *fakeSource {
	f.clients[id] = c
	return f
}

func (f *fakeSource) find(id string) *expert.Descriptor {
	for _, d := range f.descriptors {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func (f *fakeSource) Worker(id string, instructions ...string) (*expert.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.workerErrs[id]; err != nil {
		return nil, err
	}
	desc := f.find(id)
	if desc == nil {
		return nil, fmt.Errorf("unknown expert %q", id)
	}

	text := desc.Instructions
	if len(instructions) > 0 {
		text = strings.Join(instructions, "\n\n")
		f.instructions[id] = text
	}
	client := f.clients[id]
	if client == nil {
		client = newScriptedClient(id + " answer")
		f.clients[id] = client
	}
	return (&expert.Worker{Descriptor: desc, Instructions: text}).WithClient(client), nil
}

func (f *fakeSource) WorkerWithSession(id, sessionID string, instructions ...string) (*expert.Worker, session.Store, error) {
	worker, err := f.Worker(id, instructions...)
	if err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	f.sessions[id] = append(f.sessions[id], sessionID)
	f.mu.Unlock()
	return worker, nil, nil
}

func (f *fakeSource) WorkerWithPersistentSession(id, sessionID, dbPath string) (*expert.Worker, session.Store, error) {
	return f.WorkerWithSession(id, sessionID)
}

func (f *fakeSource) Descriptors() []*expert.Descriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.descriptors
}

func (f *fakeSource) sessionIDs(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sessions[id]...)
}

func testDescriptor(id string, caps ...string) *expert.Descriptor {
	return &expert.Descriptor{
		ID:           id,
		DisplayName:  id,
		Capabilities: caps,
		Model:        "test-model",
	}
}

// testConfig returns a config with built-in orchestrator defaults and no
// external dependencies.
func testConfig() *config.Config {
	return &config.Config{
		Defaults:    &config.Defaults{LLMProvider: "test"},
		MoE:         config.DefaultMoEConfig(),
		SmartRouter: config.DefaultSmartRouterConfig(),
		Cache:       config.DefaultCacheConfig(),
		Guardrail:   config.DefaultGuardrailConfig(),
	}
}

func testRequest(query string) *Request {
	return &Request{Query: query, RequestID: "req-1"}
}
