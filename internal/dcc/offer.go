package dcc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var ErrInvalidOffer = errors.New("invalid dcc offer")

// Offer is a parsed DCC SEND descriptor. It lives only long enough to
// establish the transfer connection.
type Offer struct {
	Filename string
	IP       net.IP
	Port     int
	Size     int64 // 0 when the sender does not know it
	From     string
}

// Addr is the host:port to connect to.
func (o Offer) Addr() string {
	return net.JoinHostPort(o.IP.String(), strconv.Itoa(o.Port))
}

// IPToUint32 encodes an IPv4 address the way DCC transmits it: the four
// octets read as one big-endian unsigned integer.
func IPToUint32(ip net.IP) (uint32, error) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("%w: %q is not an IPv4 address", ErrInvalidOffer, ip.String())
	}
	return binary.BigEndian.Uint32(v4), nil
}

// Uint32ToIP is the inverse of IPToUint32.
func Uint32ToIP(n uint32) net.IP {
	ip := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(ip, n)
	return ip
}

// CTCPBody renders the offer as the body of a "DCC" CTCP message.
func (o Offer) CTCPBody() (string, error) {
	ip, err := IPToUint32(o.IP)
	if err != nil {
		return "", err
	}
	name := o.Filename
	if strings.ContainsAny(name, " \t") {
		name = `"` + name + `"`
	}
	return fmt.Sprintf("SEND %s %d %d %d", name, ip, o.Port, o.Size), nil
}

// ParseOffer parses the body of a "DCC" CTCP message ("SEND <file> <ip>
// <port> [size]"). Quoted filenames and unquoted names containing spaces
// are both accepted. Passive (port 0) offers are rejected.
func ParseOffer(from, body string) (Offer, error) {
	kind, rest, _ := strings.Cut(strings.TrimSpace(body), " ")
	if !strings.EqualFold(kind, "SEND") {
		return Offer{}, fmt.Errorf("%w: unsupported DCC type %q", ErrInvalidOffer, kind)
	}
	rest = strings.TrimSpace(rest)

	var name string
	var fields []string
	if strings.HasPrefix(rest, `"`) {
		end := strings.Index(rest[1:], `"`)
		if end < 0 {
			return Offer{}, fmt.Errorf("%w: unterminated filename in %q", ErrInvalidOffer, body)
		}
		name = rest[1 : end+1]
		fields = strings.Fields(rest[end+2:])
	} else {
		all := strings.Fields(rest)
		n := len(all)
		// Size is optional in the wild, so look at the tail to decide
		// how many trailing fields belong to the address. A reading with a
		// size must place a routable host and a valid port; otherwise the
		// last field is the port.
		var numeric int
		switch {
		case n >= 4 && isHost(all[n-3]) && isPort(all[n-2]) && isUint(all[n-1]):
			numeric = 3
		case n >= 3 && isHost(all[n-2]) && isPort(all[n-1]):
			numeric = 2
		default:
			return Offer{}, fmt.Errorf("%w: too few fields in %q", ErrInvalidOffer, body)
		}
		name = strings.Join(all[:len(all)-numeric], " ")
		fields = all[len(all)-numeric:]
	}
	if name == "" || len(fields) < 2 || len(fields) > 3 {
		return Offer{}, fmt.Errorf("%w: malformed %q", ErrInvalidOffer, body)
	}

	ip, err := parseAddress(fields[0])
	if err != nil {
		return Offer{}, err
	}
	if ip.IsUnspecified() {
		return Offer{}, fmt.Errorf("%w: unroutable address %q", ErrInvalidOffer, fields[0])
	}
	port, err := strconv.Atoi(fields[1])
	if err != nil || port < 0 || port > 65535 {
		return Offer{}, fmt.Errorf("%w: bad port %q", ErrInvalidOffer, fields[1])
	}
	if port == 0 {
		return Offer{}, fmt.Errorf("%w: passive DCC is not supported", ErrInvalidOffer)
	}
	var size int64
	if len(fields) == 3 {
		size, err = strconv.ParseInt(fields[2], 10, 64)
		if err != nil || size < 0 {
			return Offer{}, fmt.Errorf("%w: bad size %q", ErrInvalidOffer, fields[2])
		}
	}

	return Offer{Filename: name, IP: ip, Port: port, Size: size, From: from}, nil
}

func parseAddress(s string) (net.IP, error) {
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return Uint32ToIP(uint32(n)), nil
	}
	// Some clients send a dotted or IPv6 literal instead.
	if ip := net.ParseIP(s); ip != nil {
		return ip, nil
	}
	return nil, fmt.Errorf("%w: bad address %q", ErrInvalidOffer, s)
}

// isHost reports whether s decodes to an address outside 0.0.0.0/8.
func isHost(s string) bool {
	ip, err := parseAddress(s)
	if err != nil {
		return false
	}
	if v4 := ip.To4(); v4 != nil {
		return v4[0] != 0
	}
	return true
}

func isPort(s string) bool {
	_, err := strconv.ParseUint(s, 10, 16)
	return err == nil
}

func isUint(s string) bool {
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}
