package tunnel

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Policy rule priorities. The uid exclusion must sort before the
// suppress rule, which must sort before the tunnel table lookup.
const (
	prefExclude  = 9000
	prefSuppress = 9001
	prefTunnel   = 9002
)

type command struct {
	name       string
	args       []string
	bestEffort bool
	undo       *command
}

func (c command) String() string {
	return c.name + " " + strings.Join(c.args, " ")
}

func ip(args ...string) command { return command{name: "ip", args: args} }

func optional(c command) command {
	c.bestEffort = true
	if c.undo != nil {
		u := *c.undo
		u.bestEffort = true
		c.undo = &u
	}
	return c
}

func withUndo(c, undo command) command {
	c.undo = &undo
	return c
}

func ipAddrAddArgs(iface, cidr string) []string {
	return []string{"addr", "add", cidr, "dev", iface}
}

func ipLinkMTUArgs(iface string, mtu int) []string {
	return []string{"link", "set", "dev", iface, "mtu", strconv.Itoa(mtu)}
}

func ipLinkUpArgs(iface string) []string {
	return []string{"link", "set", "dev", iface, "up"}
}

func ipLinkDelArgs(iface string) []string {
	return []string{"link", "delete", iface}
}

func ipRouteArgs(family, op, iface string, table int) []string {
	return []string{family, "route", op, "default", "dev", iface, "table", strconv.Itoa(table)}
}

func ipRuleExcludeArgs(family, op string, uid int) []string {
	u := strconv.Itoa(uid)
	return []string{family, "rule", op, "uidrange", u + "-" + u, "lookup", "main", "pref", strconv.Itoa(prefExclude)}
}

func ipRuleSuppressArgs(family, op string) []string {
	return []string{family, "rule", op, "lookup", "main", "suppress_prefixlength", "0", "pref", strconv.Itoa(prefSuppress)}
}

func ipRuleTableArgs(family, op string, table int) []string {
	return []string{family, "rule", op, "lookup", strconv.Itoa(table), "pref", strconv.Itoa(prefTunnel)}
}

// routingCommands installs the default route in the tunnel table and the
// policy rules steering traffic into it.
func routingCommands(family, iface string, p Params) []command {
	cmds := []command{
		withUndo(ip(ipRouteArgs(family, "add", iface, p.Table)...),
			optional(ip(ipRouteArgs(family, "del", iface, p.Table)...))),
	}
	if p.Exclude {
		cmds = append(cmds, withUndo(ip(ipRuleExcludeArgs(family, "add", p.ExcludeUID)...),
			ip(ipRuleExcludeArgs(family, "del", p.ExcludeUID)...)))
	}
	cmds = append(cmds,
		withUndo(ip(ipRuleSuppressArgs(family, "add")...), ip(ipRuleSuppressArgs(family, "del")...)),
		withUndo(ip(ipRuleTableArgs(family, "add", p.Table)...), ip(ipRuleTableArgs(family, "del", p.Table)...)),
	)
	return cmds
}

// setupCommands lists, in order, what Establish runs for iface.
func setupCommands(iface string, p Params) []command {
	cmds := []command{
		withUndo(ip(ipAddrAddArgs(iface, p.CIDR())...), optional(ip(ipLinkDelArgs(iface)...))),
		ip(ipLinkMTUArgs(iface, p.MTU)...),
		ip(ipLinkUpArgs(iface)...),
	}
	cmds = append(cmds, routingCommands("-4", iface, p)...)
	if !p.NoIPv6 {
		for _, c := range routingCommands("-6", iface, p) {
			cmds = append(cmds, optional(c))
		}
	}
	if len(p.DNS) > 0 {
		dns := command{name: "resolvectl", args: append([]string{"dns", iface}, p.DNS...)}
		cmds = append(cmds,
			optional(withUndo(dns, command{name: "resolvectl", args: []string{"revert", iface}})),
			optional(command{name: "resolvectl", args: []string{"domain", iface, "~."}}),
		)
	}
	return cmds
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
