package balloc

import (
	"log/slog"
)

// CreateOptions configures allocator construction. The zero value is a
// reasonable default: thread-safe, logging through slog.Default().
type CreateOptions struct {
	// Logger receives Debug-level operation traces and Error-level reports of
	// bind failures. When nil, slog.Default() is used.
	Logger *slog.Logger

	// ExternallySynchronized skips all internal locking. Only set this when
	// every call into the allocator comes from a single goroutine, or when
	// the application provides its own synchronization.
	ExternallySynchronized bool
}
