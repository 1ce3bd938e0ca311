package clevis

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"unsafe"

	"github.com/google/uuid"
)

// LUKS v1 format is specified here
// https://gitlab.com/cryptsetup/cryptsetup/-/wikis/LUKS-standard/on-disk-format.pdf
type headerV1 struct {
	Magic         [6]byte
	Version       uint16
	CipherName    [32]byte
	CipherMode    [32]byte
	HashSpec      [32]byte
	PayloadOffset uint32
	KeyBytes      uint32
	MkDigest      [20]byte
	MkDigestSalt  [32]byte
	MkDigestIter  uint32
	UUID          [40]byte
	KeySlots      [luksV1SlotsNum]keySlot
}

type keySlot struct {
	Active            uint32
	Iterations        uint32
	Salt              [32]byte
	KeyMaterialOffset uint32 // offset in sectors
	Stripes           uint32
}

const (
	luksV1SlotEnabled = 0xAC71F3
	luksV1SlotsNum    = 8
)

type deviceV1 struct {
	path string
	f    *os.File
	hdr  *headerV1
}

func initV1Device(path string, f *os.File) (*deviceV1, error) {
	var hdr headerV1

	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	if err := binary.Read(f, binary.BigEndian, &hdr); err != nil {
		return nil, err
	}

	return &deviceV1{path: path, f: f, hdr: &hdr}, nil
}

func (d *deviceV1) Close() error {
	return d.f.Close()
}

func (d *deviceV1) Path() string {
	return d.path
}

func (d *deviceV1) Slots() []int {
	slots := make([]int, 0)

	for id, ks := range d.hdr.KeySlots {
		if ks.Active != luksV1SlotEnabled {
			continue
		}

		slots = append(slots, id)
	}

	return slots
}

func (d *deviceV1) UUID() string {
	return fixedArrayToString(d.hdr.UUID[:])
}

func (d *deviceV1) Version() int {
	return 1
}

func (d *deviceV1) MetadataUsable() bool {
	_, _, err := d.readLuksMeta()
	return err == nil
}

var luksMetaMagic = []byte("LUKSMETA")

type luksMetaSlot struct {
	UUID   [16]byte
	Offset uint32
	Length uint32
	Crc32  uint32
	_      uint32
}

type luksMetaHeader struct {
	Magic   [8]byte
	Version uint32
	Crc32   uint32
	Slots   [luksV1SlotsNum]luksMetaSlot
}

// luksMetaOffset finds the gap between the end of the key material and the payload,
// LUKSMeta stores its header at the first 4K aligned offset of this gap.
func (d *deviceV1) luksMetaOffset() int64 {
	var holeOffset int
	length := int(d.hdr.KeyBytes * stripesNum)
	for _, s := range d.hdr.KeySlots {
		offset := int(s.KeyMaterialOffset * storageSectorSize)
		if holeOffset < offset+length {
			holeOffset = offset + length
		}
	}
	return int64(roundUp(holeOffset, 4096))
}

func (d *deviceV1) payloadOffset() int64 {
	return int64(d.hdr.PayloadOffset) * storageSectorSize
}

// readLuksMeta reads and verifies the LUKSMeta header.
// It follows implementation defined at https://github.com/latchset/luksmeta
func (d *deviceV1) readLuksMeta() (*luksMetaHeader, int64, error) {
	var hdr luksMetaHeader
	data := make([]byte, unsafe.Sizeof(hdr))

	holeOffset := d.luksMetaOffset()
	payloadOffset := d.payloadOffset()
	if holeOffset+int64(len(data)) > payloadOffset {
		return nil, 0, fmt.Errorf("no space for LUKSMeta header before payload offset %v", payloadOffset)
	}

	if _, err := d.f.ReadAt(data, holeOffset); err != nil {
		return nil, 0, err
	}
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, &hdr); err != nil {
		return nil, 0, err
	}

	if !bytes.Equal(hdr.Magic[:], luksMetaMagic) {
		return nil, 0, fmt.Errorf("LUKSMeta is not initialized")
	}

	crcFieldOffset := unsafe.Offsetof(hdr.Crc32)
	clear(data[crcFieldOffset : crcFieldOffset+4])
	if crc32.Checksum(data, crc32.MakeTable(crc32.Castagnoli)) != hdr.Crc32 {
		return nil, 0, fmt.Errorf("LUKSMeta header CRC error")
	}

	return &hdr, holeOffset, nil
}

// Tokens returns the LUKSMeta slots with data. Devices without LUKSMeta have no tokens.
func (d *deviceV1) Tokens() ([]Token, error) {
	tokens := make([]Token, 0)

	hdr, holeOffset, err := d.readLuksMeta()
	if err != nil {
		if !d.hasLuksMetaMagic() {
			return tokens, nil
		}
		return nil, err
	}

	areaSize := d.payloadOffset() - holeOffset
	for i, s := range hdr.Slots {
		id := uuid.UUID(s.UUID)
		if id == uuid.Nil {
			continue
		}

		t := Token{
			ID:    i,
			Slots: []int{i},
			Type:  luksMetaTokenType(id),
		}
		t.Payload, t.Err = d.readLuksMetaSlot(i, s, holeOffset, areaSize)
		tokens = append(tokens, t)
	}

	return tokens, nil
}

// readLuksMetaSlot loads the slot data, it must fit into the LUKSMeta area after the header
func (d *deviceV1) readLuksMetaSlot(i int, s luksMetaSlot, holeOffset, areaSize int64) ([]byte, error) {
	hdrSize := int64(unsafe.Sizeof(luksMetaHeader{}))
	start, end := int64(s.Offset), int64(s.Offset)+int64(s.Length)
	if start < hdrSize || end > areaSize {
		return nil, fmt.Errorf("LUKSMeta token #%d data [%d, %d) is outside of the LUKSMeta area [%d, %d)", i, start, end, hdrSize, areaSize)
	}

	payload := make([]byte, s.Length)
	if _, err := d.f.ReadAt(payload, holeOffset+start); err != nil {
		return nil, fmt.Errorf("LUKSMeta token #%d: %v", i, err)
	}
	if crc32.Checksum(payload, crc32.MakeTable(crc32.Castagnoli)) != s.Crc32 {
		return nil, fmt.Errorf("LUKSMeta token #%d CRC error", i)
	}
	return payload, nil
}

func (d *deviceV1) hasLuksMetaMagic() bool {
	magic := make([]byte, len(luksMetaMagic))
	if _, err := d.f.ReadAt(magic, d.luksMetaOffset()); err != nil {
		return false
	}
	return bytes.Equal(magic, luksMetaMagic)
}

// clevisUUID is the LUKSMeta slot UUID clevis stores its JWE under
var clevisUUID = uuid.MustParse("cb6e8904-81ff-40da-a84a-07ab9ab5715e")

func luksMetaTokenType(id uuid.UUID) string {
	if id == clevisUUID {
		return clevisTokenType
	}

	return ""
}
