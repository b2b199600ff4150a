package aio

import "github.com/taedlar/neolith-aio/internal/constants"

// Re-export constants for public API
const (
	DefaultEventBatch      = constants.DefaultEventBatch
	DefaultOpBufferSize    = constants.DefaultOpBufferSize
	DefaultContextPoolSize = constants.DefaultContextPoolSize
	DefaultQueueCapacity   = constants.DefaultQueueCapacity
	DefaultMaxMsgSize      = constants.DefaultMaxMsgSize
	MaxPollDescriptors     = constants.MaxPollDescriptors
	ConsoleCompletionKey   = constants.ConsoleCompletionKey
	ConsoleMaxLine         = constants.ConsoleMaxLine
)
