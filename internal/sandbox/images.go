package sandbox

import (
	"context"
	"fmt"
	"io"
	"runtime"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/rs/zerolog/log"

	"patchbench/internal/config"
)

// ImageStore answers whether an image is present locally and fetches it.
type ImageStore interface {
	Has(ctx context.Context, ref string) (bool, error)
	Pull(ctx context.Context, ref, platform string, progress io.Writer) error
	Close() error
}

// NewImageStore picks the image backend. Auto uses the Docker Engine API,
// which sees the same store `docker run` reads, and switches to containerd
// only when the engine keeps its images there.
func NewImageStore(ctx context.Context, cfg config.SandboxConfig) (ImageStore, error) {
	preference := cfg.ImageBackend
	if preference == "" {
		preference = "auto"
	}

	switch preference {
	case "containerd":
		return NewContainerdImageStore(ctx, cfg.ContainerdSocket, cfg.Namespace)
	case "docker":
		return NewDockerImageStore()
	case "auto":
		store, err := NewDockerImageStore()
		if err != nil {
			return nil, fmt.Errorf("no image store available: %w", err)
		}

		info, err := store.docker.Info(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("docker info failed, keeping Docker image store")
		} else if runtime.GOOS == "linux" && usesContainerdSnapshotter(info.DriverStatus) {
			cs, err := NewContainerdImageStore(ctx, cfg.ContainerdSocket, cfg.Namespace)
			if err == nil {
				_ = store.Close()
				log.Info().Str("namespace", cfg.Namespace).Msg("using containerd image store")
				return cs, nil
			}
			log.Debug().Err(err).Msg("containerd image store unavailable, keeping Docker")
		}

		log.Info().Msg("using Docker image store")
		return store, nil
	default:
		return nil, fmt.Errorf("unknown image backend %q: must be auto, containerd, or docker", preference)
	}
}

// usesContainerdSnapshotter reports whether docker info's driver status
// says images live in containerd rather than a graph driver.
func usesContainerdSnapshotter(driverStatus [][2]string) bool {
	for _, kv := range driverStatus {
		if kv[0] == "driver-type" && kv[1] == "io.containerd.snapshotter.v1" {
			return true
		}
	}
	return false
}

// DockerImageStore talks to the Docker Engine API.
type DockerImageStore struct {
	docker *client.Client
}

func NewDockerImageStore() (*DockerImageStore, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(context.Background()); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker daemon not reachable: %w", err)
	}
	return &DockerImageStore{docker: cli}, nil
}

func (s *DockerImageStore) Has(ctx context.Context, ref string) (bool, error) {
	_, err := s.docker.ImageInspect(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Pull fetches ref for platform, rendering the progress stream to progress
// when it is non-nil.
func (s *DockerImageStore) Pull(ctx context.Context, ref, platform string, progress io.Writer) error {
	rc, err := s.docker.ImagePull(ctx, ref, image.PullOptions{Platform: platform})
	if err != nil {
		return fmt.Errorf("%w: pulling %s: %v", ErrImageUnavailable, ref, err)
	}
	defer rc.Close()

	if progress == nil {
		progress = io.Discard
	}
	// Pull errors arrive inside the stream; DisplayJSONMessagesStream surfaces them.
	if err := jsonmessage.DisplayJSONMessagesStream(rc, progress, 0, false, nil); err != nil {
		return fmt.Errorf("%w: pulling %s: %v", ErrImageUnavailable, ref, err)
	}
	return nil
}

func (s *DockerImageStore) Close() error {
	return s.docker.Close()
}
