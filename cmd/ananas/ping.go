package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"time"

	"github.com/ananasvpn/ananas/internal/probe"
	"github.com/ananasvpn/ananas/internal/ui"
)

// PingCmd measures TCP connect time to proxy servers given as share links
// (vmess://, vless://, trojan://, ss://) or host[:port].
type PingCmd struct {
	Targets []string      `arg:"" name:"target" help:"Share links or host[:port]."`
	Timeout time.Duration `default:"3s" help:"Per-server timeout."`
	Sort    bool          `help:"Sort by latency, unreachable last."`
}

type pingResult struct {
	target string
	ep     probe.Endpoint
	delay  time.Duration
	err    error
}

func (c *PingCmd) Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	results := make([]pingResult, len(c.Targets))
	var wg sync.WaitGroup
	for i, target := range c.Targets {
		results[i].target = target
		ep, err := probe.ParseShareLink(target)
		if err != nil {
			results[i].err = err
			continue
		}
		results[i].ep = ep
		wg.Add(1)
		go func(r *pingResult) {
			defer wg.Done()
			r.delay, r.err = probe.Delay(ctx, r.ep.Addr(), c.Timeout)
		}(&results[i])
	}
	wg.Wait()

	if c.Sort {
		sort.SliceStable(results, func(i, j int) bool {
			a, b := results[i], results[j]
			if (a.err == nil) != (b.err == nil) {
				return a.err == nil
			}
			return a.delay < b.delay
		})
	}

	rows := make([][]string, 0, len(results))
	failed := 0
	for _, r := range results {
		name := r.ep.Name
		if name == "" {
			name = "-"
		}
		server := r.ep.Addr()
		if r.ep.Host == "" {
			server = r.target
		}
		latency := ui.StepOK(fmt.Sprintf("%dms", r.delay.Milliseconds()))
		if r.err != nil {
			failed++
			latency = ui.StepFail(r.err.Error())
		}
		rows = append(rows, []string{server, r.ep.Protocol, name, latency})
	}
	fmt.Println(ui.Table([]string{"SERVER", "PROTOCOL", "NAME", "LATENCY"}, rows))

	if failed == len(results) {
		return fmt.Errorf("no server reachable")
	}
	return nil
}
