package sandbox

import (
	"context"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog/log"
)

// orphanCleanupLoop periodically removes benchmark containers that survived a
// crash of this process.
func (d *DockerDriver) orphanCleanupLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	// Run once on startup
	d.CleanupOrphaned(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.CleanupOrphaned(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CleanupOrphaned force-removes managed containers other than the one backing
// the active session and returns how many were removed.
func (d *DockerDriver) CleanupOrphaned(ctx context.Context) int {
	if d.api == nil {
		return 0
	}

	listCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	f := filters.NewArgs()
	f.Add("label", managedLabel+"=true")
	containers, err := d.api.ContainerList(listCtx, container.ListOptions{
		All:     true,
		Filters: f,
	})
	if err != nil {
		log.Debug().Err(err).Msg("listing benchmark containers failed")
		return 0
	}

	// Read after listing: a session started in between is already registered.
	active := d.activeContainer()

	var cleaned int
	for _, c := range containers {
		if active != "" && hasName(c.Names, active) {
			continue
		}
		logger := log.With().
			Str("container_id", c.ID).
			Str("run_id", c.Labels[runIDLabel]).
			Logger()
		logger.Warn().Msg("removing orphaned benchmark container")

		err := d.api.ContainerRemove(listCtx, c.ID, container.RemoveOptions{Force: true})
		if err != nil && !client.IsErrNotFound(err) {
			logger.Error().Err(err).Msg("failed to remove orphaned container")
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned up orphaned containers")
	}
	return cleaned
}

// hasName matches Engine API container names, which carry a leading slash.
func hasName(names []string, want string) bool {
	for _, n := range names {
		if strings.TrimPrefix(n, "/") == want {
			return true
		}
	}
	return false
}
