package sandbox

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	refdocker "github.com/containerd/containerd/reference/docker"
	"github.com/rs/zerolog/log"
)

// ContainerdImageStore resolves images in the containerd content store used by
// Docker Engine when the containerd image store is enabled ("moby" namespace).
type ContainerdImageStore struct {
	inner     *containerd.Client
	socket    string
	namespace string

	mu     sync.RWMutex
	closed bool
}

func NewContainerdImageStore(ctx context.Context, socket, namespace string) (*ContainerdImageStore, error) {
	if namespace == "" {
		namespace = "moby"
	}
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd at %s: %w", socket, err)
	}

	// Verify the connection works
	if _, err := inner.Version(ctx); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("containerd health check failed: %w", err)
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Msg("connected to containerd")

	return &ContainerdImageStore{
		inner:     inner,
		socket:    socket,
		namespace: namespace,
	}, nil
}

func (s *ContainerdImageStore) withNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, s.namespace)
}

// normalizeRef expands Docker shorthand ("org/repo:tag") to the fully
// qualified name containerd stores ("docker.io/org/repo:tag").
func normalizeRef(ref string) (string, error) {
	named, err := refdocker.ParseDockerRef(ref)
	if err != nil {
		return "", fmt.Errorf("parsing image reference %q: %w", ref, err)
	}
	return named.String(), nil
}

func (s *ContainerdImageStore) Has(ctx context.Context, ref string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, fmt.Errorf("containerd image store closed")
	}

	name, err := normalizeRef(ref)
	if err != nil {
		return false, err
	}
	if _, err := s.inner.GetImage(s.withNamespace(ctx), name); err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *ContainerdImageStore) Pull(ctx context.Context, ref, platform string, progress io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("containerd image store closed")
	}

	name, err := normalizeRef(ref)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImageUnavailable, err)
	}
	opts := []containerd.RemoteOpt{containerd.WithPullUnpack}
	if platform != "" {
		opts = append(opts, containerd.WithPlatform(platform))
	}

	if progress != nil {
		fmt.Fprintf(progress, "pulling %s (%s) via containerd\n", name, platform)
	}
	log.Info().Str("ref", name).Msg("pulling image")

	if _, err := s.inner.Pull(s.withNamespace(ctx), name, opts...); err != nil {
		return fmt.Errorf("%w: pulling %s: %v", ErrImageUnavailable, name, err)
	}

	log.Info().Str("ref", name).Msg("image pulled successfully")
	return nil
}

// Close shuts down the containerd client.
func (s *ContainerdImageStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.inner != nil {
		return s.inner.Close()
	}
	return nil
}
