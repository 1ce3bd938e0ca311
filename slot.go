package clevis

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Layout is the LUKS metadata layout of a device
type Layout int

const (
	LayoutUnsupported Layout = iota
	// LayoutLUKS1 keeps clevis data in LUKSMeta slots, one per key slot
	LayoutLUKS1
	// LayoutLUKS2 keeps clevis data in tokens of the JSON metadata
	LayoutLUKS2
)

func (l Layout) String() string {
	switch l {
	case LayoutLUKS1:
		return "LUKS1"
	case LayoutLUKS2:
		return "LUKS2"
	default:
		return "unsupported"
	}
}

// MaxSlots returns the number of key slots the layout can address
func (l Layout) MaxSlots() int {
	switch l {
	case LayoutLUKS1:
		return luksV1SlotsNum
	case LayoutLUKS2:
		return luksV2SlotsNum
	default:
		return 0
	}
}

// LayoutOf returns metadata layout of the device
func LayoutOf(d Device) Layout {
	switch d.Version() {
	case 1:
		return LayoutLUKS1
	case 2:
		return LayoutLUKS2
	default:
		return LayoutUnsupported
	}
}

// ParseSlot parses a user provided slot number. Only plain decimal digits are accepted.
func ParseSlot(l Layout, s string) (int, error) {
	if l == LayoutUnsupported {
		return 0, ErrUnsupported
	}
	if s == "" {
		return 0, fmt.Errorf("%w: empty slot", ErrInvalidSlot)
	}

	slot := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidSlot, s)
		}
		slot = slot*10 + int(c-'0')
		if slot >= l.MaxSlots() {
			return 0, fmt.Errorf("%w: %s slot %q is out of range [0, %d)", ErrInvalidSlot, l, s, l.MaxSlots())
		}
	}
	return slot, nil
}

func checkSlot(l Layout, slot int) error {
	if l == LayoutUnsupported {
		return ErrUnsupported
	}
	if slot < 0 || slot >= l.MaxSlots() {
		return fmt.Errorf("%w: %s slot %d is out of range [0, %d)", ErrInvalidSlot, l, slot, l.MaxSlots())
	}
	return nil
}

// ReadSlot returns the clevis policy object bound to the slot.
// For LUKS v1 it is the compact JWE stored in LUKSMeta, for LUKS v2 it is the "jwe" member of the clevis token.
func ReadSlot(d Device, slot int) ([]byte, error) {
	layout := LayoutOf(d)
	if err := checkSlot(layout, slot); err != nil {
		return nil, err
	}

	if layout == LayoutLUKS1 && !d.MetadataUsable() {
		return nil, fmt.Errorf("%w: %v has no usable LUKSMeta", ErrNotFound, d.Path())
	}

	tokens, err := d.Tokens()
	if err != nil {
		return nil, fmt.Errorf("%w: reading %v tokens: %v", ErrNotFound, d.Path(), err)
	}

	token, ok := findClevisToken(tokens, slot)
	if !ok {
		return nil, fmt.Errorf("%w: slot %d", ErrNotFound, slot)
	}
	if token.Err != nil {
		return nil, fmt.Errorf("%w: slot %d: %v", ErrDecode, slot, token.Err)
	}

	if layout == LayoutLUKS1 {
		return token.Payload, nil
	}

	var t clevisToken
	if err := json.Unmarshal(token.Payload, &t); err != nil {
		return nil, fmt.Errorf("%w: token %d: %v", ErrDecode, token.ID, err)
	}
	if len(t.JWE) == 0 {
		return nil, fmt.Errorf("%w: token %d has no jwe", ErrDecode, token.ID)
	}
	return t.JWE, nil
}

// findClevisToken returns the lowest id clevis token bound to the slot
func findClevisToken(tokens []Token, slot int) (Token, bool) {
	for _, t := range tokens {
		if t.Type != clevisTokenType {
			continue
		}
		for _, s := range t.Slots {
			if s == slot {
				return t, true
			}
		}
	}
	return Token{}, false
}

// ListUsedSlots returns slots that might have a clevis policy sorted by slot id.
// For LUKS v1 these are all enabled key slots, for LUKS v2 the slots referenced by clevis tokens.
func ListUsedSlots(d Device) ([]int, error) {
	layout := LayoutOf(d)
	switch layout {
	case LayoutLUKS1:
		slots := append([]int(nil), d.Slots()...)
		sort.Ints(slots)
		return slots, nil
	case LayoutLUKS2:
		tokens, err := d.Tokens()
		if err != nil {
			return nil, fmt.Errorf("%w: reading %v tokens: %v", ErrNotFound, d.Path(), err)
		}

		seen := make(map[int]bool)
		slots := make([]int, 0)
		for _, t := range tokens {
			if t.Type != clevisTokenType {
				continue
			}
			for _, s := range t.Slots {
				if seen[s] || checkSlot(layout, s) != nil {
					continue
				}
				seen[s] = true
				slots = append(slots, s)
			}
		}
		sort.Ints(slots)
		return slots, nil
	default:
		return nil, ErrUnsupported
	}
}
