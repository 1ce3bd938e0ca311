package clevis

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	jose "github.com/go-jose/go-jose/v4"
)

// Every key management and content encryption algorithm JOSE defines. clevis pins pick the algorithm
// (tang uses ECDH-ES, tpm2 and sss use dir), the parser only has to accept them.
var (
	keyAlgorithms = []jose.KeyAlgorithm{
		jose.DIRECT,
		jose.ECDH_ES, jose.ECDH_ES_A128KW, jose.ECDH_ES_A192KW, jose.ECDH_ES_A256KW,
		jose.RSA1_5, jose.RSA_OAEP, jose.RSA_OAEP_256,
		jose.A128KW, jose.A192KW, jose.A256KW,
		jose.A128GCMKW, jose.A192GCMKW, jose.A256GCMKW,
		jose.PBES2_HS256_A128KW, jose.PBES2_HS384_A192KW, jose.PBES2_HS512_A256KW,
	}
	contentEncryptions = []jose.ContentEncryption{
		jose.A128GCM, jose.A192GCM, jose.A256GCM,
		jose.A128CBC_HS256, jose.A192CBC_HS384, jose.A256CBC_HS512,
	}
)

// DecodeEnvelope strips the JWE envelope of a clevis policy object and returns its protected header.
// The object may be a compact JWE (LUKSMeta slot data, sss members), a flattened JSON JWE or
// a JSON object that holds the JWE under "jwe" (LUKS v2 clevis token).
func DecodeEnvelope(raw []byte) (*Value, error) {
	protected, err := protectedHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	header, err := base64.RawURLEncoding.DecodeString(protected)
	if err != nil {
		return nil, fmt.Errorf("%w: protected header: %v", ErrDecode, err)
	}

	payload, err := ParseValue(header)
	if err != nil {
		return nil, fmt.Errorf("%w: protected header: %v", ErrDecode, err)
	}
	if payload.Kind() != ObjectValue {
		return nil, fmt.Errorf("%w: protected header is %v", ErrDecode, payload.Kind())
	}
	return payload, nil
}

// protectedHeader validates the envelope and returns its base64url encoded protected header exactly as stored.
// go-jose re-encodes headers with sorted keys so the header bytes are taken from the input itself.
func protectedHeader(raw []byte) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", fmt.Errorf("empty envelope")
	}

	if raw[0] == '{' {
		wrapper, err := ParseValue(raw)
		if err != nil {
			return "", err
		}
		if jwe, ok := wrapper.Field("jwe"); ok {
			switch jwe.Kind() {
			case ObjectValue:
				raw = []byte(jwe.Text())
			case StringValue:
				s, _ := jwe.AsString()
				raw = bytes.TrimSpace([]byte(s))
			default:
				return "", fmt.Errorf("jwe field is %v", jwe.Kind())
			}
		}
	}

	parsed, err := jose.ParseEncrypted(string(raw), keyAlgorithms, contentEncryptions)
	if err != nil {
		return "", err
	}

	// only single recipient envelopes without unprotected headers have the compact form
	if _, err := parsed.CompactSerialize(); err != nil {
		return "", fmt.Errorf("envelope has no compact serialization: %v", err)
	}

	if raw[0] == '{' {
		flattened, err := ParseValue(raw)
		if err != nil {
			return "", err
		}
		return flattened.StringField("protected")
	}
	protected, _, _ := strings.Cut(string(raw), ".")
	return protected, nil
}
