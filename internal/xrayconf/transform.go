package xrayconf

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/tidwall/jsonc"
)

// ConfigError reports a caller document that could not be rewritten. It is
// never fatal: Transform returns the original bytes alongside it.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "proxy config: " + e.Err.Error() }

func (e *ConfigError) Unwrap() error { return e.Err }

// outboundHead is the part of an outbound entry Transform needs to read.
type outboundHead struct {
	Tag      string `json:"tag"`
	Protocol string `json:"protocol"`
	Settings struct {
		Vnext []struct {
			Address string `json:"address"`
		} `json:"vnext"`
		Servers []struct {
			Address string `json:"address"`
		} `json:"servers"`
	} `json:"settings"`
}

func (h outboundHead) hosts() []string {
	var out []string
	for _, v := range h.Settings.Vnext {
		out = append(out, v.Address)
	}
	for _, s := range h.Settings.Servers {
		out = append(out, s.Address)
	}
	return out
}

// Transform rewrites raw per the package contract. If raw cannot be decoded
// it is returned unchanged together with a *ConfigError.
func Transform(raw []byte, opts Options) ([]byte, error) {
	opts = opts.withDefaults()

	doc, outbounds, heads, err := decode(raw)
	if err != nil {
		return raw, &ConfigError{Err: err}
	}

	proxyTag := opts.ProxyTag
	if proxyTag == "" {
		proxyTag = heads[0].Tag
	}
	if proxyTag == "" {
		proxyTag = DefaultProxyTag
		tagged, err := setTag(outbounds[0], proxyTag)
		if err != nil {
			return raw, &ConfigError{Err: fmt.Errorf("tag first outbound: %w", err)}
		}
		outbounds[0] = tagged
		heads[0].Tag = proxyTag
	}

	dnsTag := findTag(heads, DNSOutboundTag, "", proxyTag)
	if dnsTag == "" {
		dnsTag = freeTag(heads, DNSOutboundTag)
		outbounds = append(outbounds, mustRaw(map[string]any{"protocol": "dns", "tag": dnsTag}))
		heads = append(heads, outboundHead{Tag: dnsTag, Protocol: "dns"})
	}
	directTag := findTag(heads, DirectOutboundTag, "freedom", proxyTag)
	if directTag == "" {
		directTag = freeTag(heads, DirectOutboundTag)
		outbounds = append(outbounds, mustRaw(map[string]any{"protocol": "freedom", "tag": directTag}))
		heads = append(heads, outboundHead{Tag: directTag, Protocol: "freedom"})
	}

	routing := map[string]json.RawMessage{}
	if r, ok := doc["routing"]; ok && !isNull(r) {
		if err := json.Unmarshal(r, &routing); err != nil {
			return raw, &ConfigError{Err: fmt.Errorf("routing: %w", err)}
		}
	}
	var callerRules []map[string]json.RawMessage
	if r, ok := routing["rules"]; ok && !isNull(r) {
		if err := json.Unmarshal(r, &callerRules); err != nil {
			return raw, &ConfigError{Err: fmt.Errorf("routing.rules: %w", err)}
		}
	}

	rules := buildRules(callerRules, opts, proxyTag, dnsTag, directTag)
	routing["domainStrategy"] = mustRaw("IPIfNonMatch")
	routing["rules"] = mustRaw(rules)

	doc["inbounds"] = mustRaw(buildInbounds(opts))
	doc["fakedns"] = mustRaw([]map[string]any{{"ipPool": FakeDNSPool, "poolSize": FakeDNSPoolSize}})
	doc["dns"] = mustRaw(buildDNS(opts, proxyHosts(heads)))
	doc["routing"] = mustRaw(routing)
	doc["outbounds"] = mustRaw(outbounds)

	out, err := encode(doc)
	if err != nil {
		return raw, &ConfigError{Err: err}
	}
	return out, nil
}

// OutboundTags returns the tags of the outbounds in a (possibly commented)
// configuration document, in order. Untagged entries yield "".
func OutboundTags(raw []byte) ([]string, error) {
	_, _, heads, err := decode(raw)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	tags := make([]string, len(heads))
	for i, h := range heads {
		tags[i] = h.Tag
	}
	return tags, nil
}

// ProxyHosts returns the distinct server host names (not literal addresses)
// referenced by the document's outbounds.
func ProxyHosts(raw []byte) ([]string, error) {
	_, _, heads, err := decode(raw)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	return proxyHosts(heads), nil
}

func decode(raw []byte) (map[string]json.RawMessage, []json.RawMessage, []outboundHead, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(jsonc.ToJSON(raw), &doc); err != nil {
		return nil, nil, nil, fmt.Errorf("decode document: %w", err)
	}
	if doc == nil {
		return nil, nil, nil, errors.New("document is null")
	}
	r, ok := doc["outbounds"]
	if !ok {
		return nil, nil, nil, errors.New("missing outbounds")
	}
	var outbounds []json.RawMessage
	if err := json.Unmarshal(r, &outbounds); err != nil {
		return nil, nil, nil, fmt.Errorf("outbounds: %w", err)
	}
	if len(outbounds) == 0 {
		return nil, nil, nil, errors.New("outbounds is empty")
	}
	heads := make([]outboundHead, len(outbounds))
	for i, ob := range outbounds {
		if err := json.Unmarshal(ob, &heads[i]); err != nil {
			return nil, nil, nil, fmt.Errorf("outbounds[%d]: %w", i, err)
		}
	}
	return doc, outbounds, heads, nil
}

// findTag returns want if an outbound other than the proxy carries it,
// otherwise the tag of the first non-proxy outbound speaking protocol. An
// empty protocol matches by tag only.
func findTag(heads []outboundHead, want, protocol, proxyTag string) string {
	for _, h := range heads {
		if h.Tag == want && h.Tag != proxyTag {
			return want
		}
	}
	if protocol == "" {
		return ""
	}
	for _, h := range heads {
		if h.Tag != "" && h.Tag != proxyTag && strings.EqualFold(h.Protocol, protocol) {
			return h.Tag
		}
	}
	return ""
}

// freeTag returns base, or base with the rule prefix when an outbound
// already uses base.
func freeTag(heads []outboundHead, base string) string {
	taken := func(tag string) bool {
		return slices.ContainsFunc(heads, func(h outboundHead) bool { return h.Tag == tag })
	}
	if !taken(base) {
		return base
	}
	tag := ruleTagPrefix + base
	for i := 2; taken(tag); i++ {
		tag = fmt.Sprintf("%s%s-%d", ruleTagPrefix, base, i)
	}
	return tag
}

func setTag(entry json.RawMessage, tag string) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(entry, &m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("outbound is null")
	}
	m["tag"] = mustRaw(tag)
	return json.Marshal(m)
}

func buildInbounds(opts Options) []map[string]any {
	inbounds := []map[string]any{{
		"tag":      SocksInboundTag,
		"protocol": "socks",
		"listen":   opts.ListenAddr,
		"port":     opts.SocksPort,
		"sniffing": map[string]any{
			"enabled":      true,
			"destOverride": []string{"http", "tls", "quic", "fakedns"},
			"metadataOnly": false,
		},
		"settings": map[string]any{"auth": "noauth", "udp": true},
	}}
	if opts.HTTPInbound {
		inbounds = append(inbounds, map[string]any{
			"tag":      HTTPInboundTag,
			"protocol": "http",
			"listen":   opts.ListenAddr,
			"port":     opts.HTTPPort,
		})
	}
	return inbounds
}

func buildDNS(opts Options, hosts []string) map[string]any {
	servers := []any{"fakedns"}
	for _, s := range opts.UpstreamDNS {
		servers = append(servers, s)
	}
	if !opts.NoAffinity && len(opts.DoHDomains) > 0 {
		servers = append(servers, map[string]any{
			"address": opts.DoHServer,
			"domains": opts.DoHDomains,
		})
	}
	direct := map[string]any{
		"address":      opts.DirectDNS,
		"skipFallback": true,
	}
	domains := make([]string, 0, len(hosts))
	for _, h := range hosts {
		domains = append(domains, "full:"+h)
	}
	direct["domains"] = domains
	servers = append(servers, direct)

	return map[string]any{
		"tag":           DNSModuleTag,
		"queryStrategy": "UseIP",
		"servers":       servers,
	}
}

func buildRules(caller []map[string]json.RawMessage, opts Options, proxyTag, dnsTag, directTag string) []any {
	rules := []any{
		map[string]any{
			"ruleTag":     ruleTagPrefix + "dns-hijack",
			"type":        "field",
			"inboundTag":  []string{SocksInboundTag},
			"port":        "53",
			"network":     "tcp,udp",
			"outboundTag": dnsTag,
		},
		map[string]any{
			"ruleTag":     ruleTagPrefix + "dns-direct",
			"type":        "field",
			"inboundTag":  []string{DNSModuleTag},
			"outboundTag": directTag,
		},
		map[string]any{
			"ruleTag":     ruleTagPrefix + "private-direct",
			"type":        "field",
			"ip":          reservedRanges,
			"outboundTag": directTag,
		},
	}
	if !opts.NoAffinity && len(opts.ProxyDomains) > 0 {
		rules = append(rules, map[string]any{
			"ruleTag":     ruleTagPrefix + "affinity",
			"type":        "field",
			"domain":      opts.ProxyDomains,
			"outboundTag": proxyTag,
		})
	}
	for _, r := range caller {
		if injected(r) {
			continue
		}
		if needsProxyAffinity(r) {
			r["outboundTag"] = mustRaw(proxyTag)
		}
		rules = append(rules, r)
	}
	rules = append(rules, map[string]any{
		"ruleTag":     ruleTagPrefix + "catch-all",
		"type":        "field",
		"network":     "tcp,udp",
		"outboundTag": proxyTag,
	})
	return rules
}

func injected(rule map[string]json.RawMessage) bool {
	var tag string
	if r, ok := rule["ruleTag"]; ok {
		_ = json.Unmarshal(r, &tag)
	}
	return strings.HasPrefix(tag, ruleTagPrefix)
}

// needsProxyAffinity reports whether a caller rule matches UDP only. Such
// rules must land on the proxy; balancer rules are left alone.
func needsProxyAffinity(rule map[string]json.RawMessage) bool {
	if _, ok := rule["balancerTag"]; ok {
		return false
	}
	var network string
	if r, ok := rule["network"]; ok {
		_ = json.Unmarshal(r, &network)
	}
	return strings.EqualFold(strings.TrimSpace(network), "udp")
}

func proxyHosts(heads []outboundHead) []string {
	seen := make(map[string]struct{})
	var hosts []string
	for _, h := range heads {
		for _, addr := range h.hosts() {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				continue
			}
			if _, err := netip.ParseAddr(strings.Trim(addr, "[]")); err == nil {
				continue
			}
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			hosts = append(hosts, addr)
		}
	}
	return hosts
}

func isNull(r json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(r), []byte("null"))
}

// mustRaw marshals values built by this package; they always encode.
func mustRaw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("xrayconf: marshal %T: %v", v, err))
	}
	return b
}

func encode(doc map[string]json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}
