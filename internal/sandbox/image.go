package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os/exec"
	"strings"
)

// ImageTag returns the stable `moltis-cache/<skill>:<hash>` tag for a
// skill's Dockerfile contents, where hash is the first 12 hex characters
// of its sha256 digest. The tag includes the skill name, so the same
// skill with a byte-identical Dockerfile reuses its cached image, while
// two different skills never share one; any change to the Dockerfile
// changes the tag and forces a rebuild.
func ImageTag(prefix, skillName string, dockerfile []byte) string {
	sum := sha256.Sum256(dockerfile)
	hash := hex.EncodeToString(sum[:])[:12]
	return fmt.Sprintf("%s%s:%s", prefix, skillName, hash)
}

// ImageBuilder builds and caches skill container images, keyed by the
// Dockerfile-content hash, and enforces that destructive image operations
// only ever touch images under the configured cache prefix.
type ImageBuilder struct {
	Prefix string // e.g. "moltis-cache/"
	Docker string // docker binary, defaults to "docker"
}

// NewImageBuilder constructs an ImageBuilder with the given cache prefix.
func NewImageBuilder(prefix string) *ImageBuilder {
	if prefix == "" {
		prefix = "moltis-cache/"
	}
	return &ImageBuilder{Prefix: prefix, Docker: "docker"}
}

func (b *ImageBuilder) docker() string {
	if b.Docker == "" {
		return "docker"
	}
	return b.Docker
}

// Exists reports whether tag is already present in the local image store.
func (b *ImageBuilder) Exists(ctx context.Context, tag string) (bool, error) {
	cmd := exec.CommandContext(ctx, b.docker(), "image", "inspect", tag)
	if err := cmd.Run(); err != nil {
		return false, nil
	}
	return true, nil
}

// EnsureImage builds the image for skillName from dockerfile if it is not
// already cached, returning the resolved tag. A cache hit skips the build
// entirely.
func (b *ImageBuilder) EnsureImage(ctx context.Context, skillName string, dockerfile []byte, buildContextDir string) (string, error) {
	tag := ImageTag(b.Prefix, skillName, dockerfile)

	exists, err := b.Exists(ctx, tag)
	if err != nil {
		return "", fmt.Errorf("sandbox: inspect image %s: %w", tag, err)
	}
	if exists {
		return tag, nil
	}

	args := []string{"build", "-t", tag, "-f", "-", buildContextDir}
	cmd := exec.CommandContext(ctx, b.docker(), args...)
	cmd.Stdin = bytes.NewReader(dockerfile)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("sandbox: build image %s: %w: %s", tag, err, strings.TrimSpace(stderr.String()))
	}
	return tag, nil
}

// isCacheImage reports whether a reference falls under the configured
// cache prefix, used to guard destructive list/remove/prune operations.
func (b *ImageBuilder) isCacheImage(ref string) bool {
	return strings.HasPrefix(ref, b.Prefix)
}

// RemoveImage deletes a cached image tag, refusing anything outside the
// cache prefix.
func (b *ImageBuilder) RemoveImage(ctx context.Context, tag string) error {
	if !b.isCacheImage(tag) {
		return fmt.Errorf("sandbox: refusing to remove image outside %s prefix: %s", b.Prefix, tag)
	}
	cmd := exec.CommandContext(ctx, b.docker(), "image", "rm", tag)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sandbox: remove image %s: %w: %s", tag, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// ListImages returns every locally cached image reference under the
// configured prefix.
func (b *ImageBuilder) ListImages(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, b.docker(), "image", "ls", "--format", "{{.Repository}}:{{.Tag}}")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("sandbox: list images: %w", err)
	}
	var refs []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		if b.isCacheImage(line) {
			refs = append(refs, line)
		}
	}
	return refs, nil
}

// PruneImages removes every cached image under the configured prefix.
func (b *ImageBuilder) PruneImages(ctx context.Context) error {
	refs, err := b.ListImages(ctx)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := b.RemoveImage(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}
