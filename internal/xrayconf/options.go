package xrayconf

const (
	SocksInboundTag   = "socks-in"
	HTTPInboundTag    = "http-in"
	DNSOutboundTag    = "dns-out"
	DirectOutboundTag = "direct"
	DefaultProxyTag   = "proxy"
	DNSModuleTag      = "dns-internal"

	DefaultListenAddr = "127.0.0.1"
	DefaultSocksPort  = 10808
	DefaultHTTPPort   = 10809

	FakeDNSPool     = "198.18.0.0/16"
	FakeDNSPoolSize = 65535

	// Rules injected by Transform carry a ruleTag with this prefix so a
	// second pass can recognise and replace them.
	ruleTagPrefix = "ananas-"
)

var (
	defaultUpstreamDNS  = []string{"1.1.1.1", "8.8.8.8"}
	defaultDoHServer    = "https://8.8.8.8/dns-query"
	defaultDoHDomains   = []string{"geosite:google", "geosite:telegram"}
	defaultProxyDomains = []string{"geosite:telegram"}

	// reservedRanges bypass the proxy. The fakedns pool is not listed:
	// synthetic addresses must reach the proxy to be resolved.
	reservedRanges = []string{
		"0.0.0.0/8",
		"10.0.0.0/8",
		"100.64.0.0/10",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"224.0.0.0/4",
		"255.255.255.255/32",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	}
)

// Options tunes the rewrite. The zero value is usable.
type Options struct {
	// ProxyTag names the outbound that receives the catch-all rule. Empty
	// means the first outbound's tag (or DefaultProxyTag if it has none).
	ProxyTag string

	ListenAddr string
	SocksPort  int

	// HTTPInbound adds an HTTP inbound on HTTPPort next to the SOCKS one.
	HTTPInbound bool
	HTTPPort    int

	// UpstreamDNS are plain resolvers queried after fakedns.
	UpstreamDNS []string
	// DirectDNS resolves the proxy servers' own host names outside the
	// tunnel. Defaults to "localhost" (the system resolver).
	DirectDNS string

	// DoHServer serves DoHDomains. Both default to the Google/Telegram
	// pair; NoAffinity drops the DoH entry and the ProxyDomains rule.
	DoHServer    string
	DoHDomains   []string
	ProxyDomains []string
	NoAffinity   bool
}

func (o Options) withDefaults() Options {
	if o.ListenAddr == "" {
		o.ListenAddr = DefaultListenAddr
	}
	if o.SocksPort == 0 {
		o.SocksPort = DefaultSocksPort
	}
	if o.HTTPPort == 0 {
		o.HTTPPort = DefaultHTTPPort
	}
	if len(o.UpstreamDNS) == 0 {
		o.UpstreamDNS = defaultUpstreamDNS
	}
	if o.DirectDNS == "" {
		o.DirectDNS = "localhost"
	}
	if o.DoHServer == "" {
		o.DoHServer = defaultDoHServer
	}
	if o.DoHDomains == nil {
		o.DoHDomains = defaultDoHDomains
	}
	if o.ProxyDomains == nil {
		o.ProxyDomains = defaultProxyDomains
	}
	return o
}
