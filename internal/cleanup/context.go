// Package cleanup tracks acquired resources and releases them in reverse order.
package cleanup

import (
	"context"
	"time"
)

// cleanupTimeout bounds a whole teardown: lazy unmounts, volume group
// deactivation and loop detaches
const cleanupTimeout = 30 * time.Second

// Do runs do with a context that is not cancelled with ctx and expires
// after cleanupTimeout. Values of ctx are preserved.
func Do(ctx context.Context, do func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	do(ctx)
}
