package clevis

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var b64 = base64.RawURLEncoding

// makeJWE builds a compact "dir" JWE whose protected header carries the given clevis configuration.
// Ciphertext is random-looking filler, nothing here is ever decrypted.
func makeJWE(t *testing.T, clevisCfg string) string {
	t.Helper()

	header := fmt.Sprintf(`{"alg":"dir","enc":"A256GCM","clevis":%s}`, clevisCfg)
	require.True(t, json.Valid([]byte(header)), "invalid header %s", header)

	parts := []string{
		b64.EncodeToString([]byte(header)),
		"",
		b64.EncodeToString([]byte("0123456789ab")),
		b64.EncodeToString([]byte("ciphertext")),
		b64.EncodeToString([]byte("0123456789abcdef")),
	}
	return strings.Join(parts, ".")
}

// flattenJWE converts a compact JWE into the flattened JSON serialization clevis stores in LUKS v2 tokens
func flattenJWE(t *testing.T, compact string) string {
	t.Helper()

	parts := strings.Split(compact, ".")
	require.Len(t, parts, 5)
	return fmt.Sprintf(`{"ciphertext":%q,"encrypted_key":%q,"iv":%q,"protected":%q,"tag":%q}`,
		parts[3], parts[1], parts[2], parts[0], parts[4])
}

func tangJWE(t *testing.T, url string) string {
	return makeJWE(t, fmt.Sprintf(`{"pin":"tang","tang":{"adv":{"keys":[]},"url":%q}}`, url))
}

func tpm2JWE(t *testing.T, cfg string) string {
	return makeJWE(t, fmt.Sprintf(`{"pin":"tpm2","tpm2":%s}`, cfg))
}

func sssJWE(t *testing.T, threshold string, members ...string) string {
	t.Helper()

	jwes, err := json.Marshal(members)
	require.NoError(t, err)
	if members == nil {
		jwes = []byte("[]")
	}
	return makeJWE(t, fmt.Sprintf(`{"pin":"sss","sss":{"t":%s,"p":"cHJpbWU","jwe":%s}}`, threshold, jwes))
}

// clevisTokenJSON is the LUKS v2 token clevis creates for a JWE bound to the slots
func clevisTokenJSON(t *testing.T, compact string, slots ...int) string {
	t.Helper()

	keyslots := make([]string, len(slots))
	for i, s := range slots {
		keyslots[i] = fmt.Sprintf("%q", fmt.Sprint(s))
	}
	return fmt.Sprintf(`{"type":"clevis","keyslots":[%s],"jwe":%s}`, strings.Join(keyslots, ","), flattenJWE(t, compact))
}

// memDevice is a Device backed by in-memory metadata
type memDevice struct {
	version   int
	slots     []int
	unusable  bool
	tokens    []Token
	tokensErr error
}

func (d *memDevice) Close() error         { return nil }
func (d *memDevice) Version() int         { return d.version }
func (d *memDevice) Path() string         { return "/dev/mem" }
func (d *memDevice) UUID() string         { return "00000000-0000-0000-0000-000000000000" }
func (d *memDevice) Slots() []int         { return d.slots }
func (d *memDevice) MetadataUsable() bool { return !d.unusable }
func (d *memDevice) Tokens() ([]Token, error) {
	if d.tokensErr != nil {
		return nil, d.tokensErr
	}
	return d.tokens, nil
}

func luks1Token(slot int, compact string) Token {
	return Token{ID: slot, Slots: []int{slot}, Type: clevisTokenType, Payload: []byte(compact)}
}

func luks2Token(t *testing.T, id int, compact string, slots ...int) Token {
	return Token{ID: id, Slots: slots, Type: clevisTokenType, Payload: []byte(clevisTokenJSON(t, compact, slots...))}
}

// requireTools skips tests that need system tools unavailable on this machine
func requireTools(t *testing.T, tools ...string) {
	t.Helper()

	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s is not available: %v", tool, err)
		}
	}
}
