package api

import "context"

// Lifecycle is the Manager-level surface for adding and removing
// instances by name, as distinct from Runtime's per-instance surface.
type Lifecycle interface {
	StartInstance(ctx context.Context, name string) error
	StopInstance(ctx context.Context, name string) error
	ReloadInstance(ctx context.Context, name string) error
}
