package lifecycle

import (
	"context"

	"github.com/use-agent/fusion/scheduler"
)

// ResourceClass is a category of subresource a loading policy can block.
type ResourceClass string

const (
	ResourceImage      ResourceClass = "Image"
	ResourceMedia      ResourceClass = "Media"
	ResourceStylesheet ResourceClass = "Stylesheet"
	ResourceFont       ResourceClass = "Font"
	ResourceSubFrame   ResourceClass = "SubFrame"
)

// DefaultBlocked is the loading policy applied to aggregation contexts.
var DefaultBlocked = []ResourceClass{
	ResourceImage, ResourceMedia, ResourceStylesheet, ResourceFont, ResourceSubFrame,
}

// Policy is an applied resource-loading policy.
type Policy interface {
	// Retract removes the policy. Calling it more than once is harmless.
	Retract() error
}

// Context is one isolated browsing context holding a single tab.
type Context interface {
	ID() string
	// Block applies a loading policy scoped to this context only.
	Block(classes []ResourceClass) (Policy, error)
	// Navigate loads url and returns once the document is committed.
	Navigate(ctx context.Context, url string) error
	// Activate brings the tab to the foreground.
	Activate(ctx context.Context) error
	Close(ctx context.Context) error
	Page() scheduler.Page
}

// Host creates contexts and reports contexts that disappear on their own
// (crash, user closed the tab).
type Host interface {
	Create(ctx context.Context) (Context, error)
	Destroyed() <-chan string
}
