// Package image implements ImagePacker: resolving an OCI image reference
// to a digest and packing it into a local on-disk format zones can boot
// from.
package image

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
)

// Format is the packed on-disk layout a Packer can produce.
type Format int

const (
	FormatSquashfs Format = iota
	FormatErofs
	FormatTar
)

func (f Format) String() string {
	switch f {
	case FormatSquashfs:
		return "squashfs"
	case FormatErofs:
		return "erofs"
	case FormatTar:
		return "tar"
	default:
		return "unknown"
	}
}

// ProgressFunc receives packing progress in [0,1]; called from the
// packing goroutine, so implementations must not block.
type ProgressFunc func(fraction float64)

// Packed is the on-disk artifact a successful Pack call produces.
type Packed struct {
	Digest digest.Digest
	Format Format
	Path   string
}

// Packer is ImagePacker: the external boundary the reconciler's
// ImageResolver sits in front of. Resolve maps a human reference to a
// content digest; Pack (re)materializes that digest in format on disk,
// reporting progress.
type Packer interface {
	Resolve(ref string) (digest.Digest, error)
	Pack(d digest.Digest, format Format, overwriteCache bool, progress ProgressFunc) (*Packed, error)
	Platform(ref string) (*ocispec.Platform, error)
}

// Service is the default Packer: it resolves references and pulls
// layers via a RegistryClient, caching packed artifacts under RootDir
// keyed by digest+format so a repeat Pack of the same digest is a cache
// hit.
type Service struct {
	mu      sync.RWMutex
	config  ServiceConfig
	log     *logrus.Entry
	client  RegistryClient
	cache   map[string]*Packed // keyed by digest.String()+":"+format.String()
}

// ServiceConfig configures the default Packer.
type ServiceConfig struct {
	RootDir        string
	CacheEnabled   bool
	CacheMaxSizeMB int64
}

// RegistryClient is the narrow OCI registry surface Service needs;
// satisfied by CraneRegistryClient (registry.go), an adapter over
// google/go-containerregistry, and fakeable in tests.
type RegistryClient interface {
	ResolveDigest(ref string) (digest.Digest, error)
	FetchLayers(d digest.Digest) ([][]byte, error)
	Platform(ref string) (*ocispec.Platform, error)
}

// NewService constructs a Service, ensuring its cache directories exist.
func NewService(config ServiceConfig, client RegistryClient, log *logrus.Entry) (*Service, error) {
	for _, dir := range []string{
		config.RootDir,
		filepath.Join(config.RootDir, "layers"),
		filepath.Join(config.RootDir, "packed"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create image dir %s: %w", dir, err)
		}
	}
	return &Service{
		config: config,
		log:    log.WithField("component", "image-packer"),
		client: client,
		cache:  make(map[string]*Packed),
	}, nil
}

// Resolve maps ref to its content digest via the registry client.
func (s *Service) Resolve(ref string) (digest.Digest, error) {
	return s.client.ResolveDigest(ref)
}

// Platform returns ref's image config platform (os/architecture), so
// callers can refuse to boot a kernel/initrd image built for the wrong
// architecture before spending time packing it.
func (s *Service) Platform(ref string) (*ocispec.Platform, error) {
	return s.client.Platform(ref)
}

// Pack materializes digest d in format on disk, serving from cache
// unless overwriteCache is set.
func (s *Service) Pack(d digest.Digest, format Format, overwriteCache bool, progress ProgressFunc) (*Packed, error) {
	key := d.String() + ":" + format.String()

	if s.config.CacheEnabled && !overwriteCache {
		s.mu.RLock()
		cached, ok := s.cache[key]
		s.mu.RUnlock()
		if ok {
			if _, err := os.Stat(cached.Path); err == nil {
				if progress != nil {
					progress(1)
				}
				return cached, nil
			}
		}
	}

	layers, err := s.client.FetchLayers(d)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch layers for %s: %w", d, err)
	}

	dest := filepath.Join(s.config.RootDir, "packed", sanitizeDigest(d)+"."+format.String())
	if err := assemble(layers, format, dest, progress); err != nil {
		return nil, fmt.Errorf("failed to pack %s as %s: %w", d, format, err)
	}

	packed := &Packed{Digest: d, Format: format, Path: dest}
	if s.config.CacheEnabled {
		s.mu.Lock()
		s.cache[key] = packed
		s.mu.Unlock()
	}
	return packed, nil
}

func sanitizeDigest(d digest.Digest) string {
	s := d.String()
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i] + "-" + s[i+1:]
		}
	}
	return s
}
