package image

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/go-containerregistry/pkg/crane"
	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// CraneRegistryClient is the default RegistryClient, resolving and
// fetching manifests/layers from a real OCI registry via
// google/go-containerregistry's crane package.
type CraneRegistryClient struct{}

// NewCraneRegistryClient constructs the default RegistryClient.
func NewCraneRegistryClient() *CraneRegistryClient { return &CraneRegistryClient{} }

// ResolveDigest fetches ref's manifest digest from its registry.
func (c *CraneRegistryClient) ResolveDigest(ref string) (digest.Digest, error) {
	h, err := crane.Digest(ref)
	if err != nil {
		return "", fmt.Errorf("failed to resolve digest for %s: %w", ref, err)
	}
	return digest.Parse(h)
}

// FetchLayers pulls every layer of the image identified by d (a digest
// previously returned by ResolveDigest, assumed reachable by the same
// ref@digest form callers pass through) and returns each layer's
// uncompressed tar bytes, outermost layer last.
func (c *CraneRegistryClient) FetchLayers(d digest.Digest) ([][]byte, error) {
	img, err := crane.Pull(d.String())
	if err != nil {
		return nil, fmt.Errorf("failed to pull %s: %w", d, err)
	}
	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate layers of %s: %w", d, err)
	}
	out := make([][]byte, 0, len(layers))
	for _, l := range layers {
		rc, err := l.Uncompressed()
		if err != nil {
			return nil, fmt.Errorf("failed to read layer of %s: %w", d, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to buffer layer of %s: %w", d, err)
		}
		out = append(out, data)
	}
	return out, nil
}

// Platform fetches ref's OCI image config and decodes its os/architecture,
// using the canonical config schema rather than a bespoke JSON subset.
func (c *CraneRegistryClient) Platform(ref string) (*ocispec.Platform, error) {
	raw, err := crane.Config(ref)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch config for %s: %w", ref, err)
	}
	var cfg ocispec.Image
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config for %s: %w", ref, err)
	}
	return &ocispec.Platform{Architecture: cfg.Architecture, OS: cfg.OS}, nil
}
