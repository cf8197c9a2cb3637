// Package algo holds the fixed SSH algorithm menu (spec.md §4.B) and
// the per-category negotiation ("agree") rule shared by KEX, host-key,
// cipher, MAC and compression selection.
package algo

import "fmt"

// Fixed algorithm menu. Order is preference order, most preferred
// first; a caller-set "preferred" name is hoisted to the front at
// offer time by Menu.WithPreference.
var (
	KexAlgorithms = []string{
		"diffie-hellman-group1-sha1",
		"diffie-hellman-group14-sha1",
	}
	HostKeyAlgorithms = []string{
		"ssh-dss",
		"ssh-rsa",
	}
	CipherAlgorithms = []string{
		"aes128-cbc",
		"aes192-cbc",
		"aes256-cbc",
		"3des-cbc",
		"blowfish-cbc",
		"cast128-cbc",
		"twofish-cbc",
		"twofish256-cbc",
	}
	MacAlgorithms = []string{
		"hmac-sha1",
		"hmac-md5",
		"none",
	}
	// CompressionAlgorithms only ever offers "none" — see SPEC_FULL.md
	// §6.B / DESIGN.md: compression is dropped rather than
	// half-implemented.
	CompressionAlgorithms = []string{"none"}
)

// ErrNoCommonAlgorithm is returned by Agree when the local and remote
// name-lists for a category have empty intersection.
type ErrNoCommonAlgorithm struct {
	Category string
}

func (e *ErrNoCommonAlgorithm) Error() string {
	return fmt.Sprintf("algo: no common algorithm for %s", e.Category)
}

// Menu is the full, ordered, per-category offer list for one
// connection, with any process-scoped preferred cipher/MAC hoisted to
// the front.
type Menu struct {
	Kex             []string
	HostKey         []string
	CipherC2S       []string
	CipherS2C       []string
	MacC2S          []string
	MacS2C          []string
	CompressionC2S  []string
	CompressionS2C  []string
}

// Default returns the standard offer menu.
func Default() Menu {
	return Menu{
		Kex:            append([]string(nil), KexAlgorithms...),
		HostKey:        append([]string(nil), HostKeyAlgorithms...),
		CipherC2S:      append([]string(nil), CipherAlgorithms...),
		CipherS2C:      append([]string(nil), CipherAlgorithms...),
		MacC2S:         append([]string(nil), MacAlgorithms...),
		MacS2C:         append([]string(nil), MacAlgorithms...),
		CompressionC2S: append([]string(nil), CompressionAlgorithms...),
		CompressionS2C: append([]string(nil), CompressionAlgorithms...),
	}
}

// WeakMenu is the demo-only downgraded menu the original NetSieben
// build shipped as its default (3des-cbc + diffie-hellman-group1-sha1
// + ssh-dss only). SPEC_FULL.md §11 treats this as a compile-time
// test fixture, never a shipped default — it exists so the
// negotiation code path for a minimal-overlap server can be exercised
// without a real legacy sshd.
func WeakMenu() Menu {
	return Menu{
		Kex:            []string{"diffie-hellman-group1-sha1"},
		HostKey:        []string{"ssh-dss"},
		CipherC2S:      []string{"3des-cbc"},
		CipherS2C:      []string{"3des-cbc"},
		MacC2S:         []string{"hmac-sha1"},
		MacS2C:         []string{"hmac-sha1"},
		CompressionC2S: []string{"none"},
		CompressionS2C: []string{"none"},
	}
}

// WithPreference hoists a preferred cipher and/or MAC name to the
// head of the offered lists, if non-empty and already present in the
// menu. It never introduces a name that wasn't already offered.
func (m Menu) WithPreference(preferredCipher, preferredMac string) Menu {
	m.CipherC2S = hoist(m.CipherC2S, preferredCipher)
	m.CipherS2C = hoist(m.CipherS2C, preferredCipher)
	m.MacC2S = hoist(m.MacC2S, preferredMac)
	m.MacS2C = hoist(m.MacS2C, preferredMac)
	return m
}

func hoist(list []string, preferred string) []string {
	if preferred == "" {
		return list
	}
	idx := -1
	for i, name := range list {
		if name == preferred {
			idx = i
			break
		}
	}
	if idx <= 0 {
		return list
	}
	out := make([]string, 0, len(list))
	out = append(out, preferred)
	for i, name := range list {
		if i != idx {
			out = append(out, name)
		}
	}
	return out
}

// Agree returns the first name in local that also appears in remote,
// preserving local's preference order. It fails with
// ErrNoCommonAlgorithm when the intersection is empty.
func Agree(category string, local []string, remote []string) (string, error) {
	remoteSet := make(map[string]bool, len(remote))
	for _, name := range remote {
		remoteSet[name] = true
	}
	for _, name := range local {
		if remoteSet[name] {
			return name, nil
		}
	}
	return "", &ErrNoCommonAlgorithm{Category: category}
}
