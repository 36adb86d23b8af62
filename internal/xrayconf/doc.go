// Package xrayconf rewrites a caller-supplied xray/v2ray configuration into
// one the tunnel can drive: local SOCKS (and optionally HTTP) inbounds, a
// fakedns-backed DNS block, and routing rules in a fixed priority order that
// keep DNS, the proxy's own lookups and private ranges off the proxy while
// sending everything else through it.
//
// The caller's outbounds are never reordered or rewritten; the required
// dns-out and direct outbounds are appended only when absent, so applying
// Transform to its own output is a no-op on the outbound set and the rule
// order.
package xrayconf
