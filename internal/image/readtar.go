package image

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
)

// readFileFromTar extracts a single named entry from the tar file at
// path, mirroring ZoneCreator::oci_spec_tar_read_file's lookup of
// kernel/image or krata/initrd inside a packed OCI tar image.
func readFileFromTar(path, name string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("file %s not found in %s", name, path)
			}
			return nil, err
		}
		if hdr.Name == name {
			return io.ReadAll(tr)
		}
	}
}
