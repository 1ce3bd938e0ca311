package clevis

import (
	"errors"
	"fmt"
)

// SlotPolicy is the clevis policy found at a key slot
type SlotPolicy struct {
	Slot int
	Pin  Pin
	// Err is set when the policy of this slot could not be read
	Err error
}

func (p SlotPolicy) String() string {
	if p.Err != nil {
		return fmt.Sprintf("%d: %v", p.Slot, p.Err)
	}
	return fmt.Sprintf("%d: %s", p.Slot, Format(p.Pin))
}

// DecodePolicy decodes a raw clevis policy object as it is stored in a slot
func (d *Decoder) DecodePolicy(raw []byte) (Pin, error) {
	payload, err := DecodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	return d.DecodePin(payload)
}

// DecodePolicyAtSlot reads the slot and returns its policy formatted as "<slot>: <pin> '<config>'"
func (d *Decoder) DecodePolicyAtSlot(dev Device, slot int) (string, error) {
	raw, err := ReadSlot(dev, slot)
	if err != nil {
		return "", err
	}

	pin, err := d.DecodePolicy(raw)
	if err != nil {
		return "", err
	}
	return SlotPolicy{Slot: slot, Pin: pin}.String(), nil
}

// List decodes policies of all used slots. A slot that cannot be decoded gets its error recorded
// in SlotPolicy.Err, slots without clevis binding are left out.
func (d *Decoder) List(dev Device) ([]SlotPolicy, error) {
	slots, err := ListUsedSlots(dev)
	if err != nil {
		return nil, err
	}

	policies := make([]SlotPolicy, 0, len(slots))
	for _, slot := range slots {
		var pin Pin
		raw, err := ReadSlot(dev, slot)
		if errors.Is(err, ErrNotFound) {
			d.logger.Debug("slot has no clevis policy", "device", dev.Path(), "slot", slot, "error", err)
			continue
		}
		if err == nil {
			pin, err = d.DecodePolicy(raw)
		}
		if err != nil {
			d.logger.Warn("unable to decode clevis policy", "device", dev.Path(), "slot", slot, "error", err)
		}
		policies = append(policies, SlotPolicy{Slot: slot, Pin: pin, Err: err})
	}
	return policies, nil
}

// DecodePolicyAtSlot is a shortcut for NewDecoder().DecodePolicyAtSlot(dev, slot)
func DecodePolicyAtSlot(dev Device, slot int) (string, error) {
	return NewDecoder().DecodePolicyAtSlot(dev, slot)
}
