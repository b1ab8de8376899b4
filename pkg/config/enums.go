package config

import "fmt"

// SessionPolicy controls how an expert's conversation memory is stored.
type SessionPolicy string

const (
	// SessionPolicyInMemory keeps history in process memory, lost on restart.
	SessionPolicyInMemory SessionPolicy = "in-memory"
	// SessionPolicyFileBacked persists history in a per-expert SQLite file.
	SessionPolicyFileBacked SessionPolicy = "file-backed"
	// SessionPolicyPostgres persists history in a shared PostgreSQL database.
	// Requires system.sessions_dsn.
	SessionPolicyPostgres SessionPolicy = "postgres"
	// SessionPolicyNone disables session memory entirely.
	SessionPolicyNone SessionPolicy = "none"
)

// Validate checks the policy is one of the known values. The empty string is
// allowed and resolves to in-memory.
func (p SessionPolicy) Validate() error {
	switch p {
	case "", SessionPolicyInMemory, SessionPolicyFileBacked, SessionPolicyPostgres, SessionPolicyNone:
		return nil
	default:
		return fmt.Errorf("%w: session_policy %q", ErrInvalidValue, string(p))
	}
}

// OrDefault resolves the empty string to in-memory.
func (p SessionPolicy) OrDefault() SessionPolicy {
	if p == "" {
		return SessionPolicyInMemory
	}
	return p
}

// TransportType identifies how a tool server is spoken to.
type TransportType string

const (
	// TransportStdio spawns the tool server inside the expert call scope and
	// speaks MCP over its stdin/stdout. No long-running supervised process.
	TransportStdio TransportType = "stdio"
	// TransportStreamableHTTP runs one supervised subprocess per server name
	// and speaks MCP over its streamable HTTP endpoint.
	TransportStreamableHTTP TransportType = "streamable-http"
)

// Validate checks the transport is one of the known values. The empty string
// is allowed and resolves to stdio.
func (t TransportType) Validate() error {
	switch t {
	case "", TransportStdio, TransportStreamableHTTP:
		return nil
	default:
		return fmt.Errorf("%w: transport %q", ErrInvalidValue, string(t))
	}
}

// OrDefault resolves the empty string to stdio.
func (t TransportType) OrDefault() TransportType {
	if t == "" {
		return TransportStdio
	}
	return t
}

// LLMProviderType defines supported LLM providers
type LLMProviderType string

const (
	// LLMProviderTypeOpenAI is OpenAI API
	LLMProviderTypeOpenAI LLMProviderType = "openai"
	// LLMProviderTypeAnthropic is Anthropic Claude API
	LLMProviderTypeAnthropic LLMProviderType = "anthropic"
	// LLMProviderTypeGemini is Google Gemini API
	LLMProviderTypeGemini LLMProviderType = "gemini"
	// LLMProviderTypeOllama is a local Ollama instance
	LLMProviderTypeOllama LLMProviderType = "ollama"
	// LLMProviderTypeDeepSeek is DeepSeek API
	LLMProviderTypeDeepSeek LLMProviderType = "deepseek"
	// LLMProviderTypeMistral is Mistral API
	LLMProviderTypeMistral LLMProviderType = "mistral"
	// LLMProviderTypeGroq is Groq API
	LLMProviderTypeGroq LLMProviderType = "groq"
)

// Validate checks the provider type is one of the known values.
// Unlike the other enums, the empty string is not allowed here: a provider
// entry without a type cannot be constructed.
func (t LLMProviderType) Validate() error {
	switch t {
	case LLMProviderTypeOpenAI,
		LLMProviderTypeAnthropic,
		LLMProviderTypeGemini,
		LLMProviderTypeOllama,
		LLMProviderTypeDeepSeek,
		LLMProviderTypeMistral,
		LLMProviderTypeGroq:
		return nil
	default:
		return fmt.Errorf("%w: provider type %q", ErrInvalidValue, string(t))
	}
}
