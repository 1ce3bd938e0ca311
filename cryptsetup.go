package clevis

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CryptsetupOptions configures the device backend that reads metadata with cryptsetup and luksmeta tools
type CryptsetupOptions struct {
	// Cryptsetup is the cryptsetup binary, looked up in PATH by default
	Cryptsetup string
	// Luksmeta is the luksmeta binary used for LUKS v1 devices, looked up in PATH by default
	Luksmeta string
	// Timeout bounds every command run, 30 seconds by default
	Timeout time.Duration
}

const defaultCommandTimeout = 30 * time.Second

func (o CryptsetupOptions) withDefaults() CryptsetupOptions {
	if o.Cryptsetup == "" {
		o.Cryptsetup = "cryptsetup"
	}
	if o.Luksmeta == "" {
		o.Luksmeta = "luksmeta"
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultCommandTimeout
	}
	return o
}

type cryptsetupDevice struct {
	path string
	opts CryptsetupOptions
	dump *luksDump
}

// OpenCryptsetup returns a device whose metadata is read by running `cryptsetup luksDump`,
// `cryptsetup token export` and `luksmeta`, the same tools clevis itself uses.
func OpenCryptsetup(path string, opts CryptsetupOptions) (Device, error) {
	d := &cryptsetupDevice{path: path, opts: opts.withDefaults()}

	out, err := d.run(d.opts.Cryptsetup, "luksDump", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	dump, err := parseLuksDump(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	d.dump = dump
	return d, nil
}

func (d *cryptsetupDevice) Close() error {
	return nil
}

func (d *cryptsetupDevice) Version() int {
	return d.dump.version
}

func (d *cryptsetupDevice) Path() string {
	return d.path
}

func (d *cryptsetupDevice) UUID() string {
	return d.dump.uuid
}

func (d *cryptsetupDevice) Slots() []int {
	return d.dump.slots
}

func (d *cryptsetupDevice) MetadataUsable() bool {
	if d.dump.version != 1 {
		return true
	}
	_, err := d.run(d.opts.Luksmeta, "test", "-d", d.path)
	return err == nil
}

func (d *cryptsetupDevice) Tokens() ([]Token, error) {
	if d.dump.version == 1 {
		return d.luksMetaTokens()
	}

	tokens := make([]Token, 0, len(d.dump.tokens))
	for _, id := range d.dump.tokenIDs() {
		payload, err := d.run(d.opts.Cryptsetup, "token", "export", "--token-id", strconv.Itoa(id), d.path)
		if err != nil {
			tokens = append(tokens, Token{ID: id, Type: d.dump.tokens[id], Err: err})
			continue
		}
		tokens = append(tokens, parseTokenOrError(id, bytes.TrimSpace(payload)))
	}
	return tokens, nil
}

// luksMetaTokens lists LUKSMeta slots with `luksmeta show` and loads the active ones.
// Devices without LUKSMeta have no tokens.
func (d *cryptsetupDevice) luksMetaTokens() ([]Token, error) {
	tokens := make([]Token, 0)
	if !d.MetadataUsable() {
		return tokens, nil
	}

	out, err := d.run(d.opts.Luksmeta, "show", "-d", d.path)
	if err != nil {
		return nil, err
	}

	slots, err := parseLuksMetaShow(out)
	if err != nil {
		return nil, err
	}

	for _, s := range slots {
		payload, err := d.run(d.opts.Luksmeta, "load", "-d", d.path, "-s", strconv.Itoa(s.slot))
		tokens = append(tokens, Token{
			ID:      s.slot,
			Slots:   []int{s.slot},
			Type:    luksMetaTokenType(s.uuid),
			Payload: payload,
			Err:     err,
		})
	}
	return tokens, nil
}

func (d *cryptsetupDevice) run(name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%v %v: timed out after %v", name, strings.Join(args, " "), d.opts.Timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("%v %v: %v: %s", name, strings.Join(args, " "), err, bytes.TrimSpace(stderr.Bytes()))
	}
	return out, nil
}

// luksDump is the information parsed from `cryptsetup luksDump` output
type luksDump struct {
	version int
	uuid    string
	// enabled key slots sorted by id
	slots []int
	// LUKS v2 token id to token type
	tokens map[int]string
}

func (l *luksDump) tokenIDs() []int {
	ids := make([]int, 0, len(l.tokens))
	for id := range l.tokens {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

var (
	dumpFieldRe    = regexp.MustCompile(`^([A-Za-z ]+):\s*(.*)$`)
	dumpV1SlotRe   = regexp.MustCompile(`^Key Slot (\d+): ENABLED$`)
	dumpV2EntityRe = regexp.MustCompile(`^\s+(\d+): (\S+)`)
)

// parseLuksDump parses luksDump text. LUKS v1 lists slots as "Key Slot N: ENABLED",
// LUKS v2 prints sections ("Keyslots:", "Tokens:", ...) whose entries are indented "N: type" lines.
func parseLuksDump(out []byte) (*luksDump, error) {
	dump := &luksDump{tokens: make(map[int]string)}

	var section string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t")
		if line == "" {
			continue
		}

		if line[0] != ' ' && line[0] != '\t' {
			section = ""
			if m := dumpV1SlotRe.FindStringSubmatch(line); m != nil {
				slot, _ := strconv.Atoi(m[1])
				dump.slots = append(dump.slots, slot)
				continue
			}
			m := dumpFieldRe.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			switch m[1] {
			case "Version":
				v, err := strconv.Atoi(m[2])
				if err != nil {
					return nil, fmt.Errorf("invalid LUKS version %q", m[2])
				}
				dump.version = v
			case "UUID":
				dump.uuid = m[2]
			case "Keyslots", "Tokens":
				section = m[1]
			}
			continue
		}

		m := dumpV2EntityRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		id, _ := strconv.Atoi(m[1])
		switch section {
		case "Keyslots":
			dump.slots = append(dump.slots, id)
		case "Tokens":
			dump.tokens[id] = m[2]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if dump.version != 1 && dump.version != 2 {
		return nil, fmt.Errorf("invalid LUKS version %v", dump.version)
	}
	sort.Ints(dump.slots)
	return dump, nil
}

type luksMetaSlotInfo struct {
	slot int
	uuid uuid.UUID
}

// parseLuksMetaShow parses `luksmeta show` output, lines look like
//
//	0   active cb6e8904-81ff-40da-a84a-07ab9ab5715e
//	1 inactive empty
//
// Only active slots are returned.
func parseLuksMetaShow(out []byte) ([]luksMetaSlotInfo, error) {
	var slots []luksMetaSlotInfo

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 || fields[1] != "active" {
			continue
		}
		slot, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("invalid luksmeta slot %q", fields[0])
		}
		id, err := uuid.Parse(fields[2])
		if err != nil {
			return nil, fmt.Errorf("luksmeta slot %d: %v", slot, err)
		}
		slots = append(slots, luksMetaSlotInfo{slot: slot, uuid: id})
	}
	return slots, scanner.Err()
}
