package clevis

import "encoding/json"

type keyslot struct {
	Type     string `json:"type"`
	KeySize  uint   `json:"key_size"`
	Priority string `json:"priority"` // it is actually a number, but we need to distinguish '0' (ignore), from absence of the field (normal priority)
}

type config struct {
	JsonSize     json.Number `json:"json_size"`
	KeyslotsSize json.Number `json:"keyslots_size"`
	Flags        []string    `json:"flags"`
	Requirements []string    `json:"requirements"`
}

type metadata struct {
	Keyslots map[int]keyslot         `json:"keyslots"`
	Tokens   map[int]json.RawMessage `json:"tokens"`
	Config   config                  `json:"config"`
}

// tokenNode is the part of a token every token type shares.
// Keyslots are stored as JSON strings e.g. "keyslots":["1"]
type tokenNode struct {
	Type     string        `json:"type"`
	Keyslots []json.Number `json:"keyslots"`
}

// clevisToken is the token clevis stores in LUKS v2 metadata
type clevisToken struct {
	tokenNode
	JWE json.RawMessage `json:"jwe"`
}

const clevisTokenType = "clevis"

func parseMetadata(data []byte) (*metadata, error) {
	var meta metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
