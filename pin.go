package clevis

import (
	"fmt"
	"io"
	"log/slog"
)

// Pin is a decoded clevis pin configuration
type Pin interface {
	// Kind returns the pin name e.g. "tang", "tpm2", "sss"
	Kind() string
	// Params returns the configuration shown to users. Unknown pins have no params and return nil.
	Params() *Value
}

// TangPin binds a slot to a tang server
type TangPin struct {
	URL string
}

func (p *TangPin) Kind() string { return "tang" }

func (p *TangPin) Params() *Value {
	return NewObject().Set("url", NewString(p.URL))
}

// TPM2Pin binds a slot to the TPM2 chip. Nil fields are absent from the configuration.
type TPM2Pin struct {
	Hash      *string
	Key       *string
	PCRBank   *string
	PCRIDs    *string
	PCRDigest *string
}

func (p *TPM2Pin) Kind() string { return "tpm2" }

// tpm2Fields lists the configuration fields in the order they are rendered
var tpm2Fields = []struct {
	name string
	get  func(p *TPM2Pin) **string
}{
	{"hash", func(p *TPM2Pin) **string { return &p.Hash }},
	{"key", func(p *TPM2Pin) **string { return &p.Key }},
	{"pcr_bank", func(p *TPM2Pin) **string { return &p.PCRBank }},
	{"pcr_ids", func(p *TPM2Pin) **string { return &p.PCRIDs }},
	{"pcr_digest", func(p *TPM2Pin) **string { return &p.PCRDigest }},
}

func (p *TPM2Pin) Params() *Value {
	params := NewObject()
	for _, f := range tpm2Fields {
		if v := *f.get(p); v != nil {
			params.Set(f.name, NewString(*v))
		}
	}
	return params
}

// SSSPin is a Shamir Secret Sharing threshold policy over other pins
type SSSPin struct {
	// Threshold is the "t" value as it is stored in the configuration
	Threshold *Value
	Members   *Members
}

func (p *SSSPin) Kind() string { return "sss" }

// T returns the threshold as an integer
func (p *SSSPin) T() (int, bool) {
	n, err := p.Threshold.AsInt()
	if err != nil {
		return 0, false
	}
	return int(n), true
}

func (p *SSSPin) Params() *Value {
	pins := NewObject()
	if p.Members != nil {
		for _, kind := range p.Members.Kinds() {
			arr := NewArray()
			for _, m := range p.Members.Pins(kind) {
				arr.Append(m.Params())
			}
			pins.Set(kind, arr)
		}
	}
	return NewObject().Set("t", p.Threshold).Set("pins", pins)
}

// UnknownPin is a pin this package cannot interpret. It is a valid policy, not an error.
type UnknownPin struct {
	Name string
}

func (p *UnknownPin) Kind() string { return p.Name }

func (p *UnknownPin) Params() *Value { return nil }

// clevis stores its configuration under this protected header member
const clevisNamespace = "clevis"

// default bound for nested sss policies
const defaultMaxDepth = 16

// Decoder decodes clevis policies. It holds configuration only and is safe for concurrent use.
type Decoder struct {
	logger   *slog.Logger
	maxDepth int
}

// Option configures a Decoder
type Option func(*Decoder)

// WithLogger sets the logger that reports skipped sss members
func WithLogger(logger *slog.Logger) Option {
	return func(d *Decoder) {
		if logger == nil {
			logger = discardLogger()
		}
		d.logger = logger
	}
}

// WithMaxDepth limits how deep sss policies may nest. Members below the limit are skipped.
func WithMaxDepth(depth int) Option {
	return func(d *Decoder) {
		if depth > 0 {
			d.maxDepth = depth
		}
	}
}

// NewDecoder creates a decoder
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{
		logger:   discardLogger(),
		maxDepth: defaultMaxDepth,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// DecodePin decodes the pin configuration from the protected header of a clevis JWE
func (d *Decoder) DecodePin(payload *Value) (Pin, error) {
	return d.decodePin(payload, 0)
}

func (d *Decoder) decodePin(payload *Value, depth int) (Pin, error) {
	ns, err := payload.ObjectField(clevisNamespace)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	kind, err := ns.StringField("pin")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	switch kind {
	case "tang", "tpm2", "sss":
	default:
		return &UnknownPin{Name: kind}, nil
	}

	cfg, err := ns.ObjectField(kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	switch kind {
	case "tang":
		url, err := cfg.StringField("url")
		if err != nil {
			return nil, fmt.Errorf("%w: tang: %v", ErrDecode, err)
		}
		return &TangPin{URL: url}, nil
	case "tpm2":
		pin := &TPM2Pin{}
		for _, f := range tpm2Fields {
			if v, err := cfg.StringField(f.name); err == nil {
				*f.get(pin) = &v
			}
		}
		return pin, nil
	default:
		return d.decodeSSS(cfg, depth)
	}
}

func (d *Decoder) decodeSSS(cfg *Value, depth int) (*SSSPin, error) {
	t, ok := cfg.Field("t")
	if !ok {
		return nil, fmt.Errorf("%w: sss: field %q is missing", ErrDecode, "t")
	}

	members, err := d.aggregate(cfg, depth)
	if err != nil {
		return nil, err
	}
	return &SSSPin{Threshold: t, Members: members}, nil
}
