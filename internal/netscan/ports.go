package netscan

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/Radar/internal/model"
	"github.com/CZERTAINLY/Radar/internal/parallel"
)

// ParsePorts parses a port list like "22,80,8000-8100". The result is
// sorted and without duplicates.
func ParsePorts(s string) ([]uint16, error) {
	var ret []uint16
	for part := range strings.SplitSeq(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := parsePort(lo)
		if err != nil {
			return nil, err
		}
		last := first
		if isRange {
			last, err = parsePort(hi)
			if err != nil {
				return nil, err
			}
			if last < first {
				return nil, fmt.Errorf("invalid port range %q", part)
			}
		}
		for p := uint32(first); p <= uint32(last); p++ {
			ret = append(ret, uint16(p))
		}
	}
	if len(ret) == 0 {
		return nil, errors.New("empty port list")
	}
	slices.Sort(ret)
	return slices.Compact(ret), nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(n), nil
}

// PortScanner is a strategy probing a port list, the list can be replaced
// per scan.
type PortScanner interface {
	model.Strategy
	WithPorts(ports []uint16) model.Strategy
}

type probeFunc func(ctx context.Context, target string, port uint16) (uint16, error)

// scanPorts runs probe for every port through a bounded parallel map and
// yields the open ones. Closed and filtered ports are skipped, the first
// other error ends the sequence.
func scanPorts(ctx context.Context, target string, ports []uint16, workers int, probe probeFunc) iter.Seq2[model.RawResult, error] {
	return func(yield func(model.RawResult, error) bool) {
		f := func(ctx context.Context, port uint16) (uint16, error) {
			return probe(ctx, target, port)
		}
		for port, err := range parallel.NewMap(ctx, workers, f).Iter(seq2(ports)) {
			switch {
			case err == nil:
				if !yield(port, nil) {
					return
				}
			case errors.Is(err, errClosed), errors.Is(err, errFiltered):
			default:
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				yield(nil, err)
				return
			}
		}
		if ctx.Err() != nil {
			yield(nil, ctx.Err())
		}
	}
}

func seq2[T any](s []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, x := range s {
			if !yield(x, nil) {
				return
			}
		}
	}
}

func hostPort(target string, port uint16) string {
	return net.JoinHostPort(target, strconv.Itoa(int(port)))
}
