package clevis

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSlot(t *testing.T) {
	for _, l := range []Layout{LayoutLUKS1, LayoutLUKS2} {
		for i := 0; i < l.MaxSlots(); i++ {
			slot, err := ParseSlot(l, fmt.Sprint(i))
			require.NoError(t, err)
			require.Equal(t, i, slot)
		}

		invalid := []string{"", "-1", "+1", "1a", "a", " 1", "1 ", "0x1", "1.0", fmt.Sprint(l.MaxSlots()), "99999999999999999999999"}
		for _, s := range invalid {
			_, err := ParseSlot(l, s)
			require.ErrorIs(t, err, ErrInvalidSlot, "%v slot %q", l, s)
		}
	}

	require.Equal(t, 8, LayoutLUKS1.MaxSlots())
	require.Equal(t, 32, LayoutLUKS2.MaxSlots())

	_, err := ParseSlot(LayoutLUKS1, "8")
	require.ErrorIs(t, err, ErrInvalidSlot)
	slot, err := ParseSlot(LayoutLUKS2, "31")
	require.NoError(t, err)
	require.Equal(t, 31, slot)

	_, err = ParseSlot(LayoutUnsupported, "0")
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestLayoutOf(t *testing.T) {
	require.Equal(t, LayoutLUKS1, LayoutOf(&memDevice{version: 1}))
	require.Equal(t, LayoutLUKS2, LayoutOf(&memDevice{version: 2}))
	require.Equal(t, LayoutUnsupported, LayoutOf(&memDevice{version: 3}))
}

func TestReadSlotLUKS1(t *testing.T) {
	jwe := tangJWE(t, "http://tang.local")
	dev := &memDevice{
		version: 1,
		slots:   []int{0, 1},
		tokens: []Token{
			{ID: 0, Slots: []int{0}, Type: "", Payload: []byte("other")},
			luks1Token(1, jwe),
		},
	}

	raw, err := ReadSlot(dev, 1)
	require.NoError(t, err)
	require.Equal(t, jwe, string(raw))

	_, err = ReadSlot(dev, 0)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = ReadSlot(dev, 5)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = ReadSlot(dev, 8)
	require.ErrorIs(t, err, ErrInvalidSlot)
	_, err = ReadSlot(dev, -1)
	require.ErrorIs(t, err, ErrInvalidSlot)

	dev.unusable = true
	_, err = ReadSlot(dev, 1)
	require.ErrorIs(t, err, ErrNotFound)
}

// failingDevice records metadata access so tests can check slot validation happens first
type failingDevice struct {
	memDevice
	accessed bool
}

func (d *failingDevice) MetadataUsable() bool {
	d.accessed = true
	return true
}

func (d *failingDevice) Tokens() ([]Token, error) {
	d.accessed = true
	return nil, errors.New("I/O error")
}

func TestReadSlotValidatesBeforeIO(t *testing.T) {
	dev := &failingDevice{memDevice: memDevice{version: 2}}

	_, err := ReadSlot(dev, 32)
	require.ErrorIs(t, err, ErrInvalidSlot)
	require.False(t, dev.accessed)

	_, err = ReadSlot(dev, 3)
	require.ErrorIs(t, err, ErrNotFound)
	require.True(t, dev.accessed)
	require.NotContains(t, err.Error(), "%!")
}

func TestReadSlotLUKS2(t *testing.T) {
	jwe := tangJWE(t, "http://tang.local")
	dev := &memDevice{
		version: 2,
		tokens: []Token{
			{ID: 0, Slots: []int{3}, Type: "systemd-fido2", Payload: []byte(`{"type":"systemd-fido2","keyslots":["3"]}`)},
			luks2Token(t, 1, jwe, 3),
			luks2Token(t, 2, jwe, 20),
		},
	}

	raw, err := ReadSlot(dev, 3)
	require.NoError(t, err)
	require.JSONEq(t, flattenJWE(t, jwe), string(raw))

	raw, err = ReadSlot(dev, 20)
	require.NoError(t, err)
	require.JSONEq(t, flattenJWE(t, jwe), string(raw))

	_, err = ReadSlot(dev, 0)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = ReadSlot(dev, 32)
	require.ErrorIs(t, err, ErrInvalidSlot)

	dev.tokens = append(dev.tokens, Token{ID: 3, Slots: []int{4}, Type: clevisTokenType, Payload: []byte(`{"type":"clevis","keyslots":["4"]}`)})
	_, err = ReadSlot(dev, 4)
	require.ErrorIs(t, err, ErrDecode)

	dev.tokensErr = errors.New("metadata is corrupted")
	_, err = ReadSlot(dev, 3)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReadSlotBrokenToken(t *testing.T) {
	jwe := tangJWE(t, "http://tang.local")
	dev := &memDevice{
		version: 1,
		slots:   []int{0, 1},
		tokens: []Token{
			{ID: 0, Slots: []int{0}, Type: clevisTokenType, Err: errors.New("LUKSMeta token #0 CRC error")},
			luks1Token(1, jwe),
		},
	}

	_, err := ReadSlot(dev, 0)
	require.ErrorIs(t, err, ErrDecode)
	require.ErrorContains(t, err, "CRC error")

	raw, err := ReadSlot(dev, 1)
	require.NoError(t, err)
	require.Equal(t, jwe, string(raw))

	policies, err := NewDecoder().List(dev)
	require.NoError(t, err)
	require.Len(t, policies, 2)
	require.ErrorIs(t, policies[0].Err, ErrDecode)
	require.Equal(t, `1: tang '{"url":"http://tang.local"}'`, policies[1].String())
}

func TestReadSlotUnsupported(t *testing.T) {
	_, err := ReadSlot(&memDevice{version: 7}, 0)
	require.ErrorIs(t, err, ErrUnsupported)

	_, err = ListUsedSlots(&memDevice{version: 7})
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestListUsedSlotsLUKS1(t *testing.T) {
	dev := &memDevice{version: 1, slots: []int{0, 3, 5}}

	slots, err := ListUsedSlots(dev)
	require.NoError(t, err)
	require.Equal(t, []int{0, 3, 5}, slots)

	dev.slots = []int{5, 0, 3}
	slots, err = ListUsedSlots(dev)
	require.NoError(t, err)
	require.Equal(t, []int{0, 3, 5}, slots)
	require.Equal(t, []int{5, 0, 3}, dev.slots)
}

func TestListUsedSlotsLUKS2(t *testing.T) {
	jwe := tangJWE(t, "http://tang.local")
	dev := &memDevice{
		version: 2,
		slots:   []int{0, 1, 2, 7},
		tokens: []Token{
			luks2Token(t, 0, jwe, 7),
			{ID: 1, Slots: []int{0}, Type: "systemd-tpm2"},
			luks2Token(t, 2, jwe, 2, 1),
			luks2Token(t, 3, jwe, 1),
		},
	}

	slots, err := ListUsedSlots(dev)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 7}, slots)

	dev.tokensErr = errors.New("broken")
	_, err = ListUsedSlots(dev)
	require.ErrorIs(t, err, ErrNotFound)
}
