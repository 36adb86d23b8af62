package tunnel

import (
	"slices"
	"testing"
)

func TestIPAddrAddArgs(t *testing.T) {
	args := ipAddrAddArgs("ananas0", "172.19.0.1/30")
	want := []string{"addr", "add", "172.19.0.1/30", "dev", "ananas0"}
	if !slices.Equal(args, want) {
		t.Errorf("got %v, want %v", args, want)
	}
}

func TestIPLinkArgs(t *testing.T) {
	tests := []struct {
		got  []string
		want []string
	}{
		{ipLinkMTUArgs("ananas0", 1400), []string{"link", "set", "dev", "ananas0", "mtu", "1400"}},
		{ipLinkUpArgs("ananas0"), []string{"link", "set", "dev", "ananas0", "up"}},
		{ipLinkDelArgs("ananas0"), []string{"link", "delete", "ananas0"}},
	}
	for _, tt := range tests {
		if !slices.Equal(tt.got, tt.want) {
			t.Errorf("got %v, want %v", tt.got, tt.want)
		}
	}
}

func TestIPRouteArgs(t *testing.T) {
	args := ipRouteArgs("-4", "add", "ananas0", 2022)
	want := []string{"-4", "route", "add", "default", "dev", "ananas0", "table", "2022"}
	if !slices.Equal(args, want) {
		t.Errorf("got %v, want %v", args, want)
	}
}

func TestIPRuleArgs(t *testing.T) {
	tests := []struct {
		got  []string
		want []string
	}{
		{ipRuleExcludeArgs("-4", "add", 1000), []string{"-4", "rule", "add", "uidrange", "1000-1000", "lookup", "main", "pref", "9000"}},
		{ipRuleSuppressArgs("-6", "del"), []string{"-6", "rule", "del", "lookup", "main", "suppress_prefixlength", "0", "pref", "9001"}},
		{ipRuleTableArgs("-4", "add", 2022), []string{"-4", "rule", "add", "lookup", "2022", "pref", "9002"}},
	}
	for _, tt := range tests {
		if !slices.Equal(tt.got, tt.want) {
			t.Errorf("got %v, want %v", tt.got, tt.want)
		}
	}
}

func TestSetupCommandsOrder(t *testing.T) {
	p := Params{Exclude: true, ExcludeUID: 1000}.WithDefaults()
	cmds := setupCommands("ananas0", p)

	var lines []string
	for _, c := range cmds {
		lines = append(lines, c.String())
	}
	idx := func(s string) int { return slices.Index(lines, s) }

	addr := idx("ip addr add 172.19.0.1/30 dev ananas0")
	up := idx("ip link set dev ananas0 up")
	route := idx("ip -4 route add default dev ananas0 table 2022")
	exclude := idx("ip -4 rule add uidrange 1000-1000 lookup main pref 9000")
	lookup := idx("ip -4 rule add lookup 2022 pref 9002")
	dns := idx("resolvectl dns ananas0 1.1.1.1 8.8.8.8")

	for name, i := range map[string]int{"addr": addr, "up": up, "route": route, "exclude": exclude, "lookup": lookup, "dns": dns} {
		if i < 0 {
			t.Fatalf("%s command missing from %v", name, lines)
		}
	}
	if !(addr < up && up < route && route < exclude && exclude < lookup) {
		t.Errorf("unexpected order: %v", lines)
	}
	if !cmds[dns].bestEffort {
		t.Error("resolvectl must be best-effort")
	}
	if cmds[route].bestEffort || cmds[exclude].bestEffort {
		t.Error("IPv4 routing must not be best-effort")
	}
}

func TestSetupCommandsNoIPv6(t *testing.T) {
	p := Params{NoIPv6: true}.WithDefaults()
	for _, c := range setupCommands("ananas0", p) {
		if c.name == "ip" && c.args[0] == "-6" {
			t.Errorf("IPv6 command with NoIPv6: %s", c)
		}
	}
}

func TestSetupCommandsIPv6BestEffort(t *testing.T) {
	p := Params{}.WithDefaults()
	var v6 int
	for _, c := range setupCommands("ananas0", p) {
		if c.name == "ip" && c.args[0] == "-6" {
			v6++
			if !c.bestEffort {
				t.Errorf("%s should be best-effort", c)
			}
		}
		if c.name == "ip" && slices.Contains(c.args, "uidrange") {
			t.Errorf("exclusion rule without Exclude: %s", c)
		}
	}
	if v6 == 0 {
		t.Error("no IPv6 commands")
	}
}
