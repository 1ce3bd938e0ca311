package clevis

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"os"
	"syscall"

	"github.com/jzelinskie/whirlpool"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/ripemd160"
	"golang.org/x/crypto/sha3"
	"golang.org/x/sys/unix"
)

const (
	// LUKS v1 offsets are counted in 512 byte sectors
	storageSectorSize = 512
	// anti-forensic stripes per LUKS v1 key, the key material area is KeyBytes*stripesNum long
	stripesNum = 4000
)

// fileSize returns the size of an image file or a block device
func fileSize(f *os.File) (uint64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}

	sys, ok := st.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("%s: no stat information", f.Name())
	}
	if sys.Mode&syscall.S_IFMT == syscall.S_IFBLK {
		size, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64)
		return uint64(size), err
	}
	return uint64(sys.Size), nil
}

func isPowerOfTwo(x uint) bool {
	return x&(x-1) == 0
}

func roundUp(n, align int) int {
	return (n + align - 1) / align * align
}

// fixedArrayToString converts a NUL padded header field
func fixedArrayToString(buff []byte) string {
	if i := bytes.IndexByte(buff, 0); i != -1 {
		buff = buff[:i]
	}
	return string(buff)
}

type hashAlgo struct {
	new  func() hash.Hash
	size int
}

// headerHashes are the LUKS v2 header checksum algorithms by their cryptsetup names.
// stribog256, stribog512 and sm3 have no Go implementation.
var headerHashes = map[string]hashAlgo{
	"sha1":        {sha1.New, sha1.Size},
	"sha224":      {sha256.New224, sha256.Size224},
	"sha256":      {sha256.New, sha256.Size},
	"sha384":      {sha512.New384, sha512.Size384},
	"sha512":      {sha512.New, sha512.Size},
	"sha3-224":    {sha3.New224, 28},
	"sha3-256":    {sha3.New256, 32},
	"sha3-384":    {sha3.New384, 48},
	"sha3-512":    {sha3.New512, 64},
	"ripemd160":   {ripemd160.New, ripemd160.Size},
	"whirlpool":   {whirlpool.New, 64},
	"blake2b-160": blake2bAlgo(20),
	"blake2b-256": blake2bAlgo(32),
	"blake2b-384": blake2bAlgo(48),
	"blake2b-512": blake2bAlgo(64),
	// x/crypto has no blake2s-128/160/224
	"blake2s-256": {mustHash(func() (hash.Hash, error) { return blake2s.New256(nil) }), blake2s.Size},
}

func blake2bAlgo(size int) hashAlgo {
	return hashAlgo{mustHash(func() (hash.Hash, error) { return blake2b.New(size, nil) }), size}
}

// mustHash wraps constructors that fail only for invalid key or size arguments
func mustHash(newHash func() (hash.Hash, error)) func() hash.Hash {
	return func() hash.Hash {
		h, err := newHash()
		if err != nil {
			panic(err)
		}
		return h
	}
}

// getHashAlgo returns the hash constructor and digest size, nil if the algorithm is not supported
func getHashAlgo(name string) (func() hash.Hash, int) {
	algo, ok := headerHashes[name]
	if !ok {
		return nil, 0
	}
	return algo.new, algo.size
}
