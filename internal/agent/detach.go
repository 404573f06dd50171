package agent

import (
	"context"

	"github.com/A2gent/botdesk/internal/logging"
)

// detach runs fn in the background with its own deadline, independent of
// the request that triggered it. Its outcome is logged and discarded.
func (o *Orchestrator) detach(name string, fn func(ctx context.Context) error) {
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		defer func() {
			if p := recover(); p != nil {
				logging.Error("Detached %s panicked: %v", name, p)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), o.config.ArchiveTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			logging.Warn("Detached %s failed: %v", name, err)
			return
		}
		logging.Debug("Detached %s finished", name)
	}()
}

// Wait blocks until all detached work has finished
func (o *Orchestrator) Wait() {
	o.background.Wait()
}
