package clevis

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"unsafe"
)

// LUKS v2 format is specified here
// https://habd.as/post/external-backup-drive-encryption/assets/luks2_doc_wip.pdf
type headerV2 struct {
	Magic             [6]byte
	Version           uint16
	HeaderSize        uint64
	SequenceID        uint64
	Label             [48]byte
	ChecksumAlgorithm [32]byte
	Salt              [64]byte
	UUID              [40]byte
	SubsystemLabel    [48]byte
	HeaderOffset      uint64
	_                 [184]byte // padding
	Checksum          [64]byte
	// padding of size 7*512
}

// maximum number of keyslots LUKS v2 metadata may reference
const luksV2SlotsNum = 32

type deviceV2 struct {
	path string
	f    *os.File
	hdr  *headerV2
	meta *metadata
}

func initV2Device(path string, f *os.File) (*deviceV2, error) {
	var hdr headerV2

	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	if err := binary.Read(f, binary.BigEndian, &hdr); err != nil {
		return nil, err
	}

	hdrSize := hdr.HeaderSize // size of header + JSON metadata
	if !isPowerOfTwo(uint(hdrSize)) || hdrSize < 16384 || hdrSize > 4194304 {
		return nil, fmt.Errorf("Invalid size of LUKS header: %v", hdrSize)
	}
	if devSize, err := fileSize(f); err == nil && devSize < hdrSize {
		return nil, fmt.Errorf("LUKS header size %v exceeds device size %v", hdrSize, devSize)
	}

	// read the whole header
	data := make([]byte, hdrSize)
	if _, err := f.ReadAt(data, 0); err != nil {
		return nil, err
	}

	if err := verifyHeaderChecksum(&hdr, data); err != nil {
		return nil, err
	}

	jsonData := data[4096:]
	if idx := bytes.IndexByte(jsonData, 0); idx != -1 {
		jsonData = jsonData[:idx]
	}

	meta, err := parseMetadata(jsonData)
	if err != nil {
		return nil, err
	}

	return &deviceV2{
		path: path,
		f:    f,
		hdr:  &hdr,
		meta: meta,
	}, nil
}

// verifyHeaderChecksum calculates the checksum of the whole header (binary part + JSON area)
// with the checksum field zeroed and compares it with the stored one.
func verifyHeaderChecksum(hdr *headerV2, data []byte) error {
	offset := int(unsafe.Offsetof(hdr.Checksum))
	clear(data[offset : offset+len(hdr.Checksum)])

	algo := fixedArrayToString(hdr.ChecksumAlgorithm[:])
	newHash, size := getHashAlgo(algo)
	if newHash == nil {
		return fmt.Errorf("Unknown header checksum algorithm: %v", algo)
	}

	h := newHash()
	h.Write(data)

	checksum := h.Sum(make([]byte, 0, size))
	if !bytes.Equal(checksum, hdr.Checksum[:size]) {
		return fmt.Errorf("Invalid header checksum")
	}
	return nil
}

func (d *deviceV2) Close() error {
	return d.f.Close()
}

func (d *deviceV2) Path() string {
	return d.path
}

func (d *deviceV2) Slots() []int {
	slots := make([]int, 0, len(d.meta.Keyslots))
	for i := range d.meta.Keyslots {
		slots = append(slots, i)
	}
	sort.Ints(slots)
	return slots
}

func (d *deviceV2) MetadataUsable() bool {
	return true
}

// Tokens returns tokens sorted by the token id
func (d *deviceV2) Tokens() ([]Token, error) {
	ids := make([]int, 0, len(d.meta.Tokens))
	for id := range d.meta.Tokens {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	tokens := make([]Token, 0, len(ids))
	for _, id := range ids {
		tokens = append(tokens, parseTokenOrError(id, d.meta.Tokens[id]))
	}

	return tokens, nil
}

func (d *deviceV2) UUID() string {
	return fixedArrayToString(d.hdr.UUID[:])
}

func (d *deviceV2) Version() int {
	return 2
}

// parseTokenOrError keeps a token that cannot be parsed in the list with its error attached
func parseTokenOrError(id int, payload []byte) Token {
	t, err := parseToken(id, payload)
	if err != nil {
		return Token{ID: id, Type: tokenType(payload), Payload: payload, Err: err}
	}
	return t
}

// tokenType returns the "type" member of a token that might be malformed otherwise
func tokenType(payload []byte) string {
	var node struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &node); err != nil {
		return ""
	}
	return node.Type
}

// parseToken converts LUKS v2 token JSON into Token.
// The same JSON is printed by `cryptsetup token export`.
func parseToken(id int, payload []byte) (Token, error) {
	var node tokenNode
	if err := json.Unmarshal(payload, &node); err != nil {
		return Token{}, fmt.Errorf("token %d: %v", id, err)
	}

	keyslots := make([]int, len(node.Keyslots))
	for i, s := range node.Keyslots {
		slotID, err := s.Int64()
		if err != nil {
			return Token{}, fmt.Errorf("token %d: invalid keyslot %q", id, s)
		}
		keyslots[i] = int(slotID)
	}

	return Token{
		ID:      id,
		Slots:   keyslots,
		Type:    node.Type,
		Payload: payload,
	}, nil
}
