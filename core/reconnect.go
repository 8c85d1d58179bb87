package livesession

import (
	"context"
	"fmt"
	"sync"

	"github.com/jinzhu/copier"

	"github.com/koscakluka/live-core/core/llms"
)

// resumptionCache keeps the freshest session resumption handle advertised by
// the remote side. Updates can arrive in any turn; the latest one always
// supersedes earlier ones. The handle only ever leaves the cache on a
// reconnect dial and is discarded when the session is closed on purpose.
type resumptionCache struct {
	mu        sync.Mutex
	handle    string
	resumable bool
	cached    bool
}

func (c *resumptionCache) store(update llms.ResumptionUpdateChunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handle = update.Handle
	c.resumable = update.Resumable
	c.cached = true
}

// latest returns the freshest usable handle. It reports false when no handle
// was ever advertised or the last update marked the session non-resumable.
func (c *resumptionCache) latest() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cached || !c.resumable || c.handle == "" {
		return "", false
	}
	return c.handle, true
}

func (c *resumptionCache) discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handle = ""
	c.resumable = false
	c.cached = false
}

// reconnect dials a replacement connection that continues the current logical
// session. The configured live options are deep-copied so the retry dial never
// mutates the session's own option list, and the cached handle is appended
// last so it wins over any stale handle option.
func (s *Session) reconnect(ctx context.Context, handle string) (llms.LiveConnection, error) {
	ctx, span := tracer.Start(ctx, "reconnect live session")
	defer span.End()

	var opts []llms.LiveOption
	if err := copier.Copy(&opts, s.liveOptions); err != nil {
		opts = append(opts, s.liveOptions...)
	}
	opts = append(opts, llms.WithResumptionHandle(handle))

	conn, err := s.client.Connect(ctx, opts...)
	if err != nil {
		err = fmt.Errorf("failed to re-establish live connection: %w", err)
		recordSpanError(span, err)
		return nil, err
	}

	return conn, nil
}
