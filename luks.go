package clevis

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Device represents LUKS partition metadata
type Device interface {
	io.Closer
	// Version returns version of LUKS disk
	Version() int
	// Path returns block device path
	Path() string
	// UUID returns UUID of the LUKS partition
	UUID() string
	// Slots returns list of all active slots for this device sorted by slot id
	Slots() []int
	// MetadataUsable reports whether the per-slot metadata storage is initialized and consistent.
	// LUKS v1 keeps it in a LUKSMeta area that might be absent, LUKS v2 always has its JSON metadata.
	MetadataUsable() bool
	// Tokens returns list of available tokens (metadata) for slots
	Tokens() ([]Token, error)
}

// Token represents LUKS token metadata information
type Token struct {
	ID    int
	Slots []int
	// Type of the token e.g. "clevis", "systemd-fido2"
	Type string
	// Payload is the token JSON for LUKS v2 and the raw LUKSMeta slot data for LUKS v1
	Payload []byte
	// Err is set when the token data cannot be read. Other tokens of the device stay usable.
	Err error
}

// luksMagic is stored at the beginning of both LUKS v1 and v2 headers
var luksMagic = []byte("LUKS\xba\xbe")

// Open reads LUKS headers from the given partition and returns LUKS device object.
// This function internally handles LUKS v1 and v2 partitions metadata.
func Open(path string) (Device, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	version, err := probeVersion(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	var dev Device
	switch version {
	case 1:
		dev, err = initV1Device(path, f)
	case 2:
		dev, err = initV2Device(path, f)
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	return dev, nil
}

// probeVersion checks the LUKS magic and returns the header version.
// LUKS Magic and version are stored in the first 8 bytes of the LUKS header.
func probeVersion(r io.ReaderAt) (int, error) {
	header := make([]byte, 8)
	if _, err := r.ReadAt(header, 0); err != nil {
		return 0, fmt.Errorf("%w: unable to read LUKS header: %v", ErrUnsupported, err)
	}

	if !bytes.Equal(header[0:6], luksMagic) {
		return 0, fmt.Errorf("%w: invalid LUKS header", ErrUnsupported)
	}

	version := int(header[6])<<8 + int(header[7])
	if version != 1 && version != 2 {
		return 0, fmt.Errorf("%w: invalid LUKS version %v", ErrUnsupported, version)
	}
	return version, nil
}
