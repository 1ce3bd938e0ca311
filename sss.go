package clevis

import (
	"fmt"
	"sort"
)

// kindOrder is the order clevis prints sss members in. Other kinds follow in first-seen order.
var kindOrder = map[string]int{"tang": 0, "tpm2": 1, "sss": 2}

func kindRank(kind string) int {
	if r, ok := kindOrder[kind]; ok {
		return r
	}
	return len(kindOrder)
}

// Members groups sss member pins by their kind. Every kind has at least one pin and pins of a kind
// keep the order they were listed in.
type Members struct {
	kinds []string
	pins  map[string][]Pin
}

func newMembers() *Members {
	return &Members{pins: make(map[string][]Pin)}
}

func (m *Members) add(p Pin) {
	kind := p.Kind()
	if _, ok := m.pins[kind]; !ok {
		m.kinds = append(m.kinds, kind)
	}
	m.pins[kind] = append(m.pins[kind], p)
}

// Kinds returns member kinds: tang, tpm2 and sss first, then other kinds in first-seen order
func (m *Members) Kinds() []string {
	kinds := append([]string(nil), m.kinds...)
	sort.SliceStable(kinds, func(i, j int) bool {
		return kindRank(kinds[i]) < kindRank(kinds[j])
	})
	return kinds
}

// Pins returns members of the given kind
func (m *Members) Pins(kind string) []Pin {
	return m.pins[kind]
}

// Len returns the total number of members
func (m *Members) Len() int {
	n := 0
	for _, p := range m.pins {
		n += len(p)
	}
	return n
}

// memberResult is the outcome of decoding one sss member
type memberResult struct {
	index int
	pin   Pin
	err   error
}

// aggregate decodes the members listed in the sss "jwe" array and groups them by kind.
// A member that cannot be decoded is skipped, it never fails the whole policy.
func (d *Decoder) aggregate(cfg *Value, depth int) (*Members, error) {
	jwes, err := cfg.ArrayField("jwe")
	if err != nil {
		return nil, fmt.Errorf("%w: sss: %v", ErrDecode, err)
	}

	results := make([]memberResult, len(jwes))
	for i, jwe := range jwes {
		pin, err := d.decodeMember(jwe, depth+1)
		results[i] = memberResult{index: i, pin: pin, err: err}
	}

	members := newMembers()
	for _, r := range results {
		if r.err != nil {
			d.logger.Debug("skipping sss member", "index", r.index, "depth", depth+1, "error", r.err)
			continue
		}
		if _, ok := r.pin.(*UnknownPin); ok {
			d.logger.Debug("skipping sss member of unknown pin", "index", r.index, "pin", r.pin.Kind())
			continue
		}
		members.add(r.pin)
	}
	return members, nil
}

func (d *Decoder) decodeMember(jwe *Value, depth int) (Pin, error) {
	if depth > d.maxDepth {
		return nil, fmt.Errorf("%w: sss policies nested deeper than %d levels", ErrDecode, d.maxDepth)
	}

	compact, ok := jwe.AsString()
	if !ok {
		return nil, fmt.Errorf("%w: sss member is %v, expected string", ErrDecode, jwe.Kind())
	}

	payload, err := DecodeEnvelope([]byte(compact))
	if err != nil {
		return nil, err
	}
	return d.decodePin(payload, depth)
}
