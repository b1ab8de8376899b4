package config

// mergeExperts merges built-in and user-defined expert configurations.
// User-defined experts override built-in experts with the same ID.
func mergeExperts(builtinExperts map[string]ExpertConfig, userExperts map[string]ExpertConfig) map[string]*ExpertConfig {
	result := make(map[string]*ExpertConfig)

	// First, add built-in experts
	for id, expert := range builtinExperts {
		expertCopy := expert
		result[id] = &expertCopy
	}

	// Then, override with user-defined experts (or add new ones)
	for id, userExpert := range userExperts {
		expertCopy := userExpert
		result[id] = &expertCopy
	}

	return result
}

// mergeToolServers merges built-in and user-defined tool server configurations.
// User-defined servers override built-in servers with the same name.
func mergeToolServers(builtinServers map[string]ToolServerConfig, userServers map[string]ToolServerConfig) map[string]*ToolServerConfig {
	result := make(map[string]*ToolServerConfig)

	// First, add built-in servers
	for name, server := range builtinServers {
		serverCopy := server
		result[name] = &serverCopy
	}

	// Then, override with user-defined servers (or add new ones)
	for name, userServer := range userServers {
		serverCopy := userServer
		result[name] = &serverCopy
	}

	return result
}

// mergeLLMProviders merges built-in and user-defined LLM provider configurations.
// User-defined providers override built-in providers with the same name.
func mergeLLMProviders(builtinProviders map[string]LLMProviderConfig, userProviders map[string]LLMProviderConfig) map[string]*LLMProviderConfig {
	result := make(map[string]*LLMProviderConfig)

	// First, add built-in providers
	for name, provider := range builtinProviders {
		providerCopy := provider
		result[name] = &providerCopy
	}

	// Then, override with user-defined providers (or add new ones)
	for name, userProvider := range userProviders {
		providerCopy := userProvider
		result[name] = &providerCopy
	}

	return result
}
