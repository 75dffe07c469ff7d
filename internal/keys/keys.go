// Package keys holds the BIS (built-in storage) key table and maps NAND
// partitions to the key pair that encrypts them.
package keys

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/deploymenttheory/go-switchfs/internal/crypto/xtsn"
	"github.com/deploymenttheory/go-switchfs/internal/types"
)

// KeyIndex selects a BIS key pair.
type KeyIndex int

// NoEncryption marks a partition stored in cleartext.
const NoEncryption KeyIndex = -1

// Valid reports whether i addresses a slot of the key table.
func (i KeyIndex) Valid() bool {
	return i >= 0 && i < types.BISKeyCount
}

func (i KeyIndex) String() string {
	if !i.Valid() {
		return "none"
	}
	return strconv.Itoa(int(i))
}

// KeyPair is one BIS crypt/tweak key pair. A pair is usable only when both
// halves were supplied.
type KeyPair struct {
	Crypt [xtsn.KeySize]byte
	Tweak [xtsn.KeySize]byte

	hasCrypt bool
	hasTweak bool
}

// NewKeyPair builds a complete pair from two 16-byte keys.
func NewKeyPair(crypt, tweak []byte) (KeyPair, error) {
	var p KeyPair
	if err := p.setCrypt(crypt); err != nil {
		return KeyPair{}, err
	}
	if err := p.setTweak(tweak); err != nil {
		return KeyPair{}, err
	}
	return p, nil
}

// Present reports whether both halves of the pair are set.
func (p KeyPair) Present() bool {
	return p.hasCrypt && p.hasTweak
}

func (p *KeyPair) setCrypt(key []byte) error {
	if len(key) != xtsn.KeySize {
		return fmt.Errorf("crypt key is %d bytes, want %d: %w", len(key), xtsn.KeySize, types.ErrInvalidKeyMaterial)
	}
	copy(p.Crypt[:], key)
	p.hasCrypt = true
	return nil
}

func (p *KeyPair) setTweak(key []byte) error {
	if len(key) != xtsn.KeySize {
		return fmt.Errorf("tweak key is %d bytes, want %d: %w", len(key), xtsn.KeySize, types.ErrInvalidKeyMaterial)
	}
	copy(p.Tweak[:], key)
	p.hasTweak = true
	return nil
}

// KeyTable is the fixed set of BIS key pairs, indexed by key generation.
// It is built once and never modified.
type KeyTable struct {
	pairs [types.BISKeyCount]KeyPair
}

// NewKeyTable builds a table from explicit pairs. Absent entries stay unset.
func NewKeyTable(pairs map[KeyIndex]KeyPair) (*KeyTable, error) {
	kt := &KeyTable{}
	for idx, p := range pairs {
		if !idx.Valid() {
			return nil, fmt.Errorf("key index %d out of range: %w", idx, types.ErrInvalidKeyMaterial)
		}
		kt.pairs[idx] = p
	}
	return kt, nil
}

// Pair returns the key pair at idx and whether it is usable.
func (kt *KeyTable) Pair(idx KeyIndex) (KeyPair, bool) {
	if !idx.Valid() {
		return KeyPair{}, false
	}
	p := kt.pairs[idx]
	return p, p.Present()
}

// Has reports whether the pair at idx is usable.
func (kt *KeyTable) Has(idx KeyIndex) bool {
	_, ok := kt.Pair(idx)
	return ok
}

// Present lists the indices with usable pairs, in order.
func (kt *KeyTable) Present() []KeyIndex {
	var out []KeyIndex
	for i := range kt.pairs {
		if kt.pairs[i].Present() {
			out = append(out, KeyIndex(i))
		}
	}
	return out
}

// Equal reports whether two tables hold the same keys.
func (kt *KeyTable) Equal(other *KeyTable) bool {
	if kt == nil || other == nil {
		return kt == other
	}
	return kt.pairs == other.pairs
}

// Cipher schedules the pair at idx.
func (kt *KeyTable) Cipher(idx KeyIndex, opts ...xtsn.Option) (*xtsn.Cipher, error) {
	p, ok := kt.Pair(idx)
	if !ok {
		return nil, fmt.Errorf("bis key %s not present: %w", idx, types.ErrInvalidKeyMaterial)
	}
	return xtsn.NewCipher(p.Crypt[:], p.Tweak[:], opts...)
}

// Ciphers schedules every present pair. Absent slots are nil.
func (kt *KeyTable) Ciphers(opts ...xtsn.Option) ([types.BISKeyCount]*xtsn.Cipher, error) {
	var out [types.BISKeyCount]*xtsn.Cipher
	for _, idx := range kt.Present() {
		c, err := kt.Cipher(idx, opts...)
		if err != nil {
			return out, err
		}
		out[idx] = c
	}
	return out, nil
}

// String renders the table in the "bis_key_N = CRYPTTWEAK" form.
func (kt *KeyTable) String() string {
	var sb strings.Builder
	for _, idx := range kt.Present() {
		p := kt.pairs[idx]
		fmt.Fprintf(&sb, "bis_key_%d = %s%s\n", idx, hex.EncodeToString(p.Crypt[:]), hex.EncodeToString(p.Tweak[:]))
	}
	return sb.String()
}

// ParseKeyDump parses a key dump. Two line formats are understood:
//
//	BIS KEY 0 (crypt): 00112233445566778899AABBCCDDEEFF
//	BIS KEY 0 (tweak): 00112233445566778899AABBCCDDEEFF
//	bis_key_0 = <32 hex crypt key><32 hex tweak key>
//
// Other lines are ignored.
func ParseKeyDump(text string) (*KeyTable, error) {
	kt := &KeyTable{}

	scanner := bufio.NewScanner(strings.NewReader(text))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		var err error
		switch {
		case strings.HasPrefix(line, "BIS KEY"):
			err = kt.parseLabelled(line)
		case strings.HasPrefix(line, "bis_key"):
			err = kt.parseAssignment(line)
		}
		if err != nil {
			return nil, fmt.Errorf("keys: line %d: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("keys: reading dump: %w", err)
	}
	return kt, nil
}

// parseLabelled handles "BIS KEY N (crypt|tweak): HEX".
func (kt *KeyTable) parseLabelled(line string) error {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return fmt.Errorf("malformed BIS KEY line: %w", types.ErrInvalidKeyMaterial)
	}
	idx, err := parseIndex(fields[2])
	if err != nil {
		return err
	}

	label := strings.TrimSuffix(strings.TrimSuffix(fields[3], ":"), ")")
	label = strings.TrimPrefix(label, "(")

	key, err := hex.DecodeString(fields[4])
	if err != nil {
		return fmt.Errorf("bis key %d: bad hex: %w", idx, types.ErrInvalidKeyMaterial)
	}

	switch label {
	case "crypt":
		return kt.pairs[idx].setCrypt(key)
	case "tweak":
		return kt.pairs[idx].setTweak(key)
	default:
		return fmt.Errorf("unknown key type %q: %w", label, types.ErrInvalidKeyMaterial)
	}
}

// parseAssignment handles "bis_key_N = HEX64".
func (kt *KeyTable) parseAssignment(line string) error {
	name, value, ok := strings.Cut(line, "=")
	if !ok {
		return fmt.Errorf("malformed bis_key line: %w", types.ErrInvalidKeyMaterial)
	}
	name = strings.TrimSpace(name)
	value = strings.TrimSpace(value)

	// prod.keys also carries bis_key_source_NN and friends.
	parts := strings.Split(name, "_")
	if len(parts) != 3 {
		return nil
	}
	idx, err := parseIndex(parts[2])
	if err != nil {
		return err
	}

	key, err := hex.DecodeString(value)
	if err != nil {
		return fmt.Errorf("%s: bad hex: %w", name, types.ErrInvalidKeyMaterial)
	}
	if len(key) != 2*xtsn.KeySize {
		return fmt.Errorf("%s is %d bytes, want %d: %w", name, len(key), 2*xtsn.KeySize, types.ErrInvalidKeyMaterial)
	}

	if err := kt.pairs[idx].setCrypt(key[:xtsn.KeySize]); err != nil {
		return err
	}
	return kt.pairs[idx].setTweak(key[xtsn.KeySize:])
}

func parseIndex(s string) (KeyIndex, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bad key index %q: %w", s, types.ErrInvalidKeyMaterial)
	}
	idx := KeyIndex(n)
	if !idx.Valid() {
		return 0, fmt.Errorf("key index %d out of range: %w", n, types.ErrInvalidKeyMaterial)
	}
	return idx, nil
}

// LoadKeyFile reads and parses a key dump from disk.
func LoadKeyFile(path string) (*KeyTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keys: %w", err)
	}
	return ParseKeyDump(string(data))
}

// DefaultKeyPaths returns the locations searched when no key file is given.
func DefaultKeyPaths() []string {
	paths := []string{"prod.keys", "keys.txt", "biskeydump.txt"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".switch", "prod.keys"),
			filepath.Join(home, ".switch", "keys.txt"),
		)
	}
	return paths
}

// FindKeyFile returns the first existing path from DefaultKeyPaths.
func FindKeyFile() (string, error) {
	for _, p := range DefaultKeyPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("keys: no key file found")
}
