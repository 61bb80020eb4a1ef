// Package importer parses WireGuard tunnel configuration files into a
// network definition plus the peer devices the file declares, so an existing
// deployment can be taken over by the control plane.
package importer

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Config is the network-level part of a parsed configuration file.
type Config struct {
	// Blocks are the interface Address entries, one network block each.
	Blocks []netip.Prefix
	// PrivateKey is the gateway private key from the interface section.
	PrivateKey string
	// Port is the interface ListenPort, zero when absent.
	Port uint16
	// DNS servers advertised to devices, empty when absent.
	DNS []string
}

// ImportedDevice is one peer entry from a parsed configuration file. The
// addresses are fixed by the file and must be assigned verbatim.
type ImportedDevice struct {
	Name         string
	PublicKey    string
	PresharedKey string
	Addresses    []netip.Addr
}

// ParseError describes a rejected configuration file. Line is zero when the
// problem is with the file as a whole rather than a single line.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line == 0 {
		return "invalid tunnel config: " + e.Msg
	}
	return fmt.Sprintf("invalid tunnel config: line %d: %s", e.Line, e.Msg)
}

const (
	sectionNone = iota
	sectionInterface
	sectionPeer
)

// Parse reads a WireGuard tunnel configuration. The [Interface] section
// becomes the network definition; every [Peer] section becomes an imported
// device named imported-1, imported-2 and so on in file order.
func Parse(config string) (*Config, []ImportedDevice, error) {
	var (
		cfg     Config
		devices []ImportedDevice
		section = sectionNone
		peer    *ImportedDevice
	)

	closePeer := func(line int) error {
		if peer == nil {
			return nil
		}
		if peer.PublicKey == "" {
			return &ParseError{Line: line, Msg: "peer section without a PublicKey"}
		}
		peer.Name = fmt.Sprintf("imported-%d", len(devices)+1)
		devices = append(devices, *peer)
		peer = nil
		return nil
	}

	for i, raw := range strings.Split(config, "\n") {
		lineno := i + 1
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			switch {
			case strings.EqualFold(line, "[Interface]"):
				if err := closePeer(lineno); err != nil {
					return nil, nil, err
				}
				section = sectionInterface
			case strings.EqualFold(line, "[Peer]"):
				if err := closePeer(lineno); err != nil {
					return nil, nil, err
				}
				section = sectionPeer
				peer = &ImportedDevice{}
			default:
				return nil, nil, &ParseError{Line: lineno, Msg: "unknown section " + line}
			}
			continue
		}

		// Values may themselves contain '=' (base64 key padding), so
		// split on the first one only.
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, nil, &ParseError{Line: lineno, Msg: "expected key = value"}
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch section {
		case sectionNone:
			return nil, nil, &ParseError{Line: lineno, Msg: "entry outside of a section"}

		case sectionInterface:
			switch {
			case strings.EqualFold(key, "Address"):
				for _, field := range splitList(value) {
					block, err := netip.ParsePrefix(field)
					if err != nil {
						return nil, nil, &ParseError{Line: lineno, Msg: "bad address " + field}
					}
					cfg.Blocks = append(cfg.Blocks, block)
				}
			case strings.EqualFold(key, "PrivateKey"):
				cfg.PrivateKey = value
			case strings.EqualFold(key, "ListenPort"):
				port, err := strconv.ParseUint(value, 10, 16)
				if err != nil {
					return nil, nil, &ParseError{Line: lineno, Msg: "bad listen port " + value}
				}
				cfg.Port = uint16(port)
			case strings.EqualFold(key, "DNS"):
				cfg.DNS = append(cfg.DNS, splitList(value)...)
			}
			// Unknown interface keys (MTU, PostUp, ...) are ignored.

		case sectionPeer:
			switch {
			case strings.EqualFold(key, "PublicKey"):
				peer.PublicKey = value
			case strings.EqualFold(key, "PresharedKey"):
				peer.PresharedKey = value
			case strings.EqualFold(key, "AllowedIPs"):
				for _, field := range splitList(value) {
					addr, err := parsePeerAddr(field)
					if err != nil {
						return nil, nil, &ParseError{Line: lineno, Msg: "bad allowed ip " + field}
					}
					peer.Addresses = append(peer.Addresses, addr)
				}
			}
			// Endpoint and PersistentKeepalive are per-session details
			// the control plane does not track per device.
		}
	}

	if err := closePeer(len(strings.Split(config, "\n"))); err != nil {
		return nil, nil, err
	}

	if len(cfg.Blocks) == 0 {
		return nil, nil, &ParseError{Msg: "interface section has no Address"}
	}
	if cfg.PrivateKey == "" {
		return nil, nil, &ParseError{Msg: "interface section has no PrivateKey"}
	}

	return &cfg, devices, nil
}

// parsePeerAddr accepts both a bare address and the addr/prefix form peer
// AllowedIPs entries usually carry.
func parsePeerAddr(field string) (netip.Addr, error) {
	if strings.Contains(field, "/") {
		prefix, err := netip.ParsePrefix(field)
		if err != nil {
			return netip.Addr{}, err
		}
		return prefix.Addr(), nil
	}
	return netip.ParseAddr(field)
}

func splitList(value string) []string {
	var fields []string
	for _, f := range strings.Split(value, ",") {
		f = strings.TrimSpace(f)
		if f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}
