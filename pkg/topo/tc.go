package topo

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/munet/munet/pkg/util"
)

// parseNumber64 parses a decimal number with an optional K/M/G/T/P/E
// suffix (and an optional "i" for the binary, power-of-two variant) into
// an int64 count of the base unit. Its caller is the traffic-control rate
// parsing below (§4.7).
func parseNumber64(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty number")
	}

	mult := int64(1)
	binary := strings.HasSuffix(s, "i")
	if binary {
		s = s[:len(s)-1]
	}
	if s == "" {
		return 0, fmt.Errorf("empty number")
	}

	suffix := s[len(s)-1]
	base := int64(1000)
	if binary {
		base = 1024
	}
	switch suffix {
	case 'K', 'k':
		mult = base
	case 'M', 'm':
		mult = base * base
	case 'G', 'g':
		mult = base * base * base
	case 'T', 't':
		mult = base * base * base * base
	case 'P', 'p':
		mult = base * base * base * base * base
	case 'E', 'e':
		mult = base * base * base * base * base * base
	default:
		mult = 1
		suffix = 0
	}
	numPart := s
	if mult != 1 {
		numPart = s[:len(s)-1]
	}

	f, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return int64(f * float64(mult)), nil
}

// ApplyConstraints applies the qdisc chain described by c to iface inside
// the node's network namespace (§4.7): a token-bucket qdisc for rate
// limiting, a netem qdisc for delay/jitter/loss, or both stacked with rate
// as parent and netem as child so delay/loss act on already-shaped
// traffic. No-op if c is empty.
func ApplyConstraints(ctx context.Context, ns *NodeNamespace, iface string, c *Constraints) error {
	if c.Empty() {
		return nil
	}

	hasRate := c.Rate != nil && c.Rate.Rate != ""
	hasNetem := c.Delay != "" || c.Loss != 0

	var handle string
	if hasRate {
		if err := addTBF(ctx, ns, iface, c.Rate, "1:"); err != nil {
			return err
		}
		handle = "1:"
	}

	if hasNetem {
		parent := "root"
		if hasRate {
			parent = handle
		}
		if err := addNetem(ctx, ns, iface, c, parent); err != nil {
			return err
		}
	}

	util.WithNode(ns.Name).WithField("iface", iface).Debug("traffic control applied")
	return nil
}

func addTBF(ctx context.Context, ns *NodeNamespace, iface string, r *RateConstraint, handle string) error {
	rateBytes, err := parseNumber64(r.Rate)
	if err != nil {
		return NewError(ConfigInvalid, "tc.rate", r.Rate, err)
	}

	limit := r.Limit
	if limit == "" {
		limit = "32Kb"
	}
	burst := r.Burst
	if burst == "" {
		burst = "32Kb"
	}

	args := []string{"qdisc", "add", "dev", iface, "root", "handle", handle,
		"tbf", "rate", fmt.Sprintf("%dbit", rateBytes*8), "burst", burst, "limit", limit}
	return runTC(ctx, ns, args)
}

func addNetem(ctx context.Context, ns *NodeNamespace, iface string, c *Constraints, parent string) error {
	args := []string{"qdisc", "add", "dev", iface}
	if parent == "root" {
		args = append(args, "root", "handle", "10:")
	} else {
		args = append(args, "parent", parent, "handle", "10:")
	}
	args = append(args, "netem")

	if c.Delay != "" {
		args = append(args, "delay", c.Delay)
		if c.Jitter != "" {
			args = append(args, c.Jitter)
			if c.JitterCorrelation != 0 {
				args = append(args, fmt.Sprintf("%.2f%%", c.JitterCorrelation))
			}
		}
	}
	if c.Loss != 0 {
		args = append(args, "loss", fmt.Sprintf("%.2f%%", c.Loss))
		if c.LossCorrelation != 0 {
			args = append(args, fmt.Sprintf("%.2f%%", c.LossCorrelation))
		}
	}

	return runTC(ctx, ns, args)
}

// runTC runs tc inside ns's network namespace via ip-netns-style nsenter
// (§6: the system shells out to tc, it does not link it).
func runTC(ctx context.Context, ns *NodeNamespace, args []string) error {
	full := append([]string{"--net=" + ns.NetPath, "tc"}, args...)
	cmd := exec.CommandContext(ctx, "nsenter", full...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return NewError(Internal, "tc.apply", ns.Name, fmt.Errorf("%w: %s", err, out))
	}
	return nil
}
