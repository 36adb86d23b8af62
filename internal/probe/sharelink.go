package probe

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// DefaultServerPort is assumed when a link carries no port.
const DefaultServerPort = 443

// Endpoint is the server a share link points at.
type Endpoint struct {
	Protocol string
	Host     string
	Port     int
	Name     string
}

// Addr returns host:port suitable for dialing.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

var errNoHost = errors.New("link has no host")

// ParseShareLink extracts the server endpoint from a vmess://, vless://,
// trojan:// or ss:// share link. A bare host:port is accepted as well.
func ParseShareLink(link string) (Endpoint, error) {
	link = strings.TrimSpace(link)
	scheme, rest, ok := strings.Cut(link, "://")
	if !ok {
		return parseHostPort("tcp", link)
	}
	scheme = strings.ToLower(scheme)

	switch scheme {
	case "vmess":
		if ep, err := parseVMessJSON(rest); err == nil {
			return ep, nil
		}
		return parseURL(scheme, link)
	case "vless", "trojan":
		return parseURL(scheme, link)
	case "ss":
		return parseShadowsocks(link)
	default:
		return Endpoint{}, fmt.Errorf("unsupported link scheme %q", scheme)
	}
}

func parseURL(scheme, link string) (Endpoint, error) {
	u, err := url.Parse(link)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse %s link: %w", scheme, err)
	}
	host := u.Hostname()
	if host == "" {
		return Endpoint{}, errNoHost
	}
	port := DefaultServerPort
	if p := u.Port(); p != "" {
		if port, err = parsePort(p); err != nil {
			return Endpoint{}, err
		}
	}
	return Endpoint{Protocol: scheme, Host: host, Port: port, Name: u.Fragment}, nil
}

// vmess links are commonly base64 of a JSON object with add/port/ps.
func parseVMessJSON(body string) (Endpoint, error) {
	if i := strings.IndexAny(body, "?#"); i >= 0 {
		body = body[:i]
	}
	data, err := decodeBase64(body)
	if err != nil {
		return Endpoint{}, err
	}
	var v struct {
		Add  string          `json:"add"`
		Port json.RawMessage `json:"port"`
		PS   string          `json:"ps"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return Endpoint{}, fmt.Errorf("vmess body: %w", err)
	}
	if v.Add == "" {
		return Endpoint{}, errNoHost
	}
	port := DefaultServerPort
	if len(v.Port) > 0 {
		p := strings.Trim(string(v.Port), `"`)
		if p != "" && p != "0" {
			if port, err = parsePort(p); err != nil {
				return Endpoint{}, err
			}
		}
	}
	return Endpoint{Protocol: "vmess", Host: v.Add, Port: port, Name: v.PS}, nil
}

// ss links come as ss://userinfo@host:port or ss://base64(method:pass@host:port).
func parseShadowsocks(link string) (Endpoint, error) {
	rest := strings.TrimPrefix(link, "ss://")
	name := ""
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		name, _ = url.PathUnescape(rest[i+1:])
		rest = rest[:i]
	}
	if strings.Contains(rest, "@") {
		return parseURL("ss", link)
	}
	data, err := decodeBase64(rest)
	if err != nil {
		return Endpoint{}, fmt.Errorf("ss body: %w", err)
	}
	_, hostPort, ok := strings.Cut(string(data), "@")
	if !ok {
		return Endpoint{}, errNoHost
	}
	ep, err := parseHostPort("ss", hostPort)
	ep.Name = name
	return ep, err
}

func parseHostPort(protocol, s string) (Endpoint, error) {
	host, p, err := net.SplitHostPort(s)
	if err != nil {
		if s == "" {
			return Endpoint{}, errNoHost
		}
		return Endpoint{Protocol: protocol, Host: strings.Trim(s, "[]"), Port: DefaultServerPort}, nil
	}
	if host == "" {
		return Endpoint{}, errNoHost
	}
	port, err := parsePort(p)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Protocol: protocol, Host: host, Port: port}, nil
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return n, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	if data, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}
