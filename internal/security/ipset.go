package security

import (
	"bytes"
	"fmt"
	"net"
	"sort"
	"strings"
)

// IPSet matches IPv4 addresses against single IPs, CIDR networks, and
// dashed ranges ("10.0.0.1-10.0.0.50"). Used for the permanent black and
// white lists.
type IPSet struct {
	singles  map[string]struct{}
	networks []*net.IPNet
	ranges   []ipRange
}

type ipRange struct {
	start net.IP
	end   net.IP
}

// NewIPSet builds an IPSet from a list of entries. Invalid entries are
// rejected with an error naming the entry.
func NewIPSet(entries []string) (*IPSet, error) {
	s := &IPSet{singles: make(map[string]struct{})}
	for _, entry := range entries {
		if err := s.Add(entry); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add parses a single IP, CIDR, or range entry into the set.
func (s *IPSet) Add(entry string) error {
	entry = strings.TrimSpace(entry)
	if entry == "" || strings.HasPrefix(entry, "#") {
		return nil
	}

	switch {
	case strings.Contains(entry, "/"):
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return fmt.Errorf("invalid CIDR entry '%s': %w", entry, err)
		}
		s.networks = append(s.networks, network)

	case strings.Contains(entry, "-"):
		parts := strings.SplitN(entry, "-", 2)
		start := net.ParseIP(strings.TrimSpace(parts[0]))
		end := net.ParseIP(strings.TrimSpace(parts[1]))
		if start == nil || end == nil {
			return fmt.Errorf("invalid IP range entry '%s'", entry)
		}
		start, end = start.To16(), end.To16()
		if bytes.Compare(start, end) > 0 {
			return fmt.Errorf("invalid IP range entry '%s': start is after end", entry)
		}
		s.ranges = append(s.ranges, ipRange{start: start, end: end})

	default:
		ip := net.ParseIP(entry)
		if ip == nil {
			return fmt.Errorf("invalid IP entry '%s'", entry)
		}
		s.singles[ip.String()] = struct{}{}
	}
	return nil
}

// Remove deletes an entry previously added in the same textual form.
func (s *IPSet) Remove(entry string) bool {
	entry = strings.TrimSpace(entry)
	switch {
	case strings.Contains(entry, "/"):
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return false
		}
		for i, n := range s.networks {
			if n.String() == network.String() {
				s.networks = append(s.networks[:i], s.networks[i+1:]...)
				return true
			}
		}
	case strings.Contains(entry, "-"):
		parts := strings.SplitN(entry, "-", 2)
		start := net.ParseIP(strings.TrimSpace(parts[0]))
		end := net.ParseIP(strings.TrimSpace(parts[1]))
		if start == nil || end == nil {
			return false
		}
		for i, r := range s.ranges {
			if r.start.Equal(start) && r.end.Equal(end) {
				s.ranges = append(s.ranges[:i], s.ranges[i+1:]...)
				return true
			}
		}
	default:
		ip := net.ParseIP(entry)
		if ip == nil {
			return false
		}
		if _, ok := s.singles[ip.String()]; ok {
			delete(s.singles, ip.String())
			return true
		}
	}
	return false
}

// Contains reports whether ip matches any entry in the set.
func (s *IPSet) Contains(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if _, ok := s.singles[ip.String()]; ok {
		return true
	}
	for _, n := range s.networks {
		if n.Contains(ip) {
			return true
		}
	}
	ip16 := ip.To16()
	for _, r := range s.ranges {
		if bytes.Compare(ip16, r.start) >= 0 && bytes.Compare(ip16, r.end) <= 0 {
			return true
		}
	}
	return false
}

// Entries returns every entry in its textual form, singles sorted first.
func (s *IPSet) Entries() []string {
	entries := make([]string, 0, len(s.singles)+len(s.networks)+len(s.ranges))
	for ip := range s.singles {
		entries = append(entries, ip)
	}
	sort.Strings(entries)
	for _, n := range s.networks {
		entries = append(entries, n.String())
	}
	for _, r := range s.ranges {
		entries = append(entries, fmt.Sprintf("%s-%s", r.start, r.end))
	}
	return entries
}
