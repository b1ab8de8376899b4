package services

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemWarningsService_AddAndGet(t *testing.T) {
	svc := NewSystemWarningsService()

	id := svc.AddWarning(WarningCategoryToolServerHealth, "Server unreachable", "connection refused", "fs")
	assert.NotEmpty(t, id)

	warnings := svc.GetWarnings()
	require.Len(t, warnings, 1)
	assert.Equal(t, WarningCategoryToolServerHealth, warnings[0].Category)
	assert.Equal(t, "Server unreachable", warnings[0].Message)
	assert.Equal(t, "connection refused", warnings[0].Details)
	assert.Equal(t, "fs", warnings[0].Subject)
	assert.False(t, warnings[0].CreatedAt.IsZero())
}

func TestSystemWarningsService_ClearBySubject(t *testing.T) {
	svc := NewSystemWarningsService()

	svc.AddWarning(WarningCategoryToolServerHealth, "Server unreachable", "", "fs")
	svc.AddWarning(WarningCategoryToolServerHealth, "Server unreachable", "", "search")

	assert.Len(t, svc.GetWarnings(), 2)

	// Clear fs warning
	cleared := svc.ClearBySubject(WarningCategoryToolServerHealth, "fs")
	assert.True(t, cleared)
	assert.Len(t, svc.GetWarnings(), 1)
	assert.Equal(t, "search", svc.GetWarnings()[0].Subject)

	// Clear non-existent
	cleared = svc.ClearBySubject(WarningCategoryToolServerHealth, "nonexistent")
	assert.False(t, cleared)
}

func TestSystemWarningsService_ReplacesDuplicate(t *testing.T) {
	svc := NewSystemWarningsService()

	svc.AddWarning(WarningCategoryToolServerHealth, "First error", "err1", "fs")
	svc.AddWarning(WarningCategoryToolServerHealth, "Second error", "err2", "fs")

	// Should have replaced the first warning, not added a second
	warnings := svc.GetWarnings()
	require.Len(t, warnings, 1)
	assert.Equal(t, "Second error", warnings[0].Message)
	assert.Equal(t, "err2", warnings[0].Details)
}

func TestSystemWarningsService_Empty(t *testing.T) {
	svc := NewSystemWarningsService()
	assert.Empty(t, svc.GetWarnings())
}

func TestSystemWarningsService_ThreadSafety(t *testing.T) {
	svc := NewSystemWarningsService()
	var wg sync.WaitGroup

	// Concurrent adds
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.AddWarning("test", "msg", "", "")
		}()
	}

	// Concurrent reads
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.GetWarnings()
		}()
	}

	wg.Wait()
	// Just ensure no panics; the exact count doesn't matter here
	assert.NotNil(t, svc.GetWarnings())
}
