// Package resolver maps an IPv4 address to the allocation range covering it
// and to the CIDR block of that range which contains the address.
//
// The range table is never loaded as a whole. It is reached through a
// RangeFetcher that returns the rows whose start address begins with a
// textual prefix, and the search widens that prefix one octet at a time
// until a batch brackets the target.
package resolver

import (
	"context"
	"math"
	"math/bits"
	"net/netip"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultUnknownLabel is the label reported for addresses no range covers.
const DefaultUnknownLabel = "??"

// AllocationRange is a contiguous block of Count addresses starting at Start.
type AllocationRange struct {
	Start uint32
	Count uint32
	Label string
}

// NewAllocationRange validates a range and returns it.
func NewAllocationRange(start uint32, count int64, label string) (AllocationRange, error) {
	if count <= 0 {
		return AllocationRange{}, errors.Wrapf(ErrInvalidRange, "%s count %d", FormatAddress(start), count)
	}
	if uint64(start)+uint64(count)-1 > math.MaxUint32 {
		return AllocationRange{}, errors.Wrapf(ErrInvalidRange, "%s count %d overflows", FormatAddress(start), count)
	}
	return AllocationRange{Start: start, Count: uint32(count), Label: label}, nil
}

// Broadcast returns the last address of the range. Only meaningful for a
// range that passed NewAllocationRange.
func (r AllocationRange) Broadcast() uint32 {
	return r.Start + r.Count - 1
}

// Contains reports whether addr lies within the range.
func (r AllocationRange) Contains(addr uint32) bool {
	return r.Count > 0 && addr >= r.Start && addr <= r.Broadcast()
}

func (r AllocationRange) String() string {
	return FormatAddress(r.Start) + "-" + FormatAddress(r.Broadcast()) + " " + r.Label
}

// CidrBlock is one aligned network of a decomposed AllocationRange.
type CidrBlock struct {
	Network netip.Prefix
	Label   string
}

// Decompose splits r into the minimal ascending list of CIDR blocks whose
// union is exactly [r.Start, r.Broadcast()].
func Decompose(r AllocationRange) ([]CidrBlock, error) {
	if r.Count == 0 {
		return nil, errors.Wrapf(ErrInvalidRange, "%s count 0", FormatAddress(r.Start))
	}
	last := uint64(r.Start) + uint64(r.Count) - 1
	if last > math.MaxUint32 {
		return nil, errors.Wrapf(ErrInvalidRange, "%s count %d overflows", FormatAddress(r.Start), r.Count)
	}

	var blocks []CidrBlock
	for cur := uint64(r.Start); cur <= last; {
		// alignment of cur bounds the block size, so does what is left
		hostBits := 32
		if cur != 0 {
			hostBits = bits.TrailingZeros32(uint32(cur))
		}
		if fit := 63 - bits.LeadingZeros64(last-cur+1); fit < hostBits {
			hostBits = fit
		}
		blocks = append(blocks, CidrBlock{
			Network: netip.PrefixFrom(toAddr(uint32(cur)), 32-hostBits),
			Label:   r.Label,
		})
		cur += 1 << uint(hostBits)
	}

	return blocks, nil
}

// ContainingBlock returns the first block whose network contains addr.
func ContainingBlock(addr uint32, blocks []CidrBlock) (CidrBlock, bool) {
	a := toAddr(addr)
	for _, b := range blocks {
		if b.Network.Contains(a) {
			return b, true
		}
	}
	return CidrBlock{}, false
}

// RangeRow is a raw allocation row as a fetcher returns it.
type RangeRow struct {
	Start string
	Count int64
	Label string
}

// RangeFetcher returns every row whose start address text begins with
// prefix, sorted ascending by the numeric start address.
type RangeFetcher interface {
	FetchRangesByPrefix(ctx context.Context, prefix string) ([]RangeRow, error)
}

// FetcherFunc adapts a function to RangeFetcher.
type FetcherFunc func(ctx context.Context, prefix string) ([]RangeRow, error)

func (f FetcherFunc) FetchRangesByPrefix(ctx context.Context, prefix string) ([]RangeRow, error) {
	return f(ctx, prefix)
}

// Prefixes returns the search prefixes for addr from the most specific to
// the widest: "a.b.c.d", "a.b.c.", "a.b.", "a.".
func Prefixes(addr uint32) []string {
	octets := strings.Split(FormatAddress(addr), ".")
	out := make([]string, 0, len(octets))
	out = append(out, strings.Join(octets, "."))
	for n := len(octets) - 1; n >= 1; n-- {
		out = append(out, strings.Join(octets[:n], ".")+".")
	}
	return out
}

// FindCoveringRange locates the range containing addr. It returns nil
// without error when no range covers the address. Errors from the fetcher
// are returned as is.
func FindCoveringRange(ctx context.Context, addr uint32, fetcher RangeFetcher) (*AllocationRange, error) {
	for _, prefix := range Prefixes(addr) {
		rows, err := fetcher.FetchRangesByPrefix(ctx, prefix)
		if err != nil {
			return nil, err
		}
		ranges := validRanges(rows)
		if len(ranges) == 0 {
			logrus.Debugf("prefix %q: no rows", prefix)
			continue
		}

		first, last := ranges[0], ranges[len(ranges)-1]
		if addr < first.Start || addr > last.Broadcast() {
			logrus.Debugf("prefix %q: %d rows do not bracket %s", prefix, len(ranges), FormatAddress(addr))
			continue
		}

		logrus.Debugf("prefix %q: %d rows bracket %s", prefix, len(ranges), FormatAddress(addr))
		return scanRanges(addr, ranges), nil
	}

	return nil, nil
}

// scanRanges walks ascending ranges and stops at the first one starting
// past addr, so a gap never matches the following range.
func scanRanges(addr uint32, ranges []AllocationRange) *AllocationRange {
	for i := range ranges {
		r := ranges[i]
		if r.Start > addr {
			return nil
		}
		if r.Broadcast() < addr {
			continue
		}
		return &r
	}
	return nil
}

func validRanges(rows []RangeRow) []AllocationRange {
	out := make([]AllocationRange, 0, len(rows))
	for _, row := range rows {
		start, err := ParseAddress(row.Start)
		if err != nil {
			logrus.Warnf("skipping range row %+v: %v", row, err)
			continue
		}
		r, err := NewAllocationRange(start, row.Count, row.Label)
		if err != nil {
			logrus.Warnf("skipping range row %+v: %v", row, err)
			continue
		}
		out = append(out, r)
	}
	return out
}

// Match is the outcome of a successful lookup.
type Match struct {
	Network netip.Prefix
	Label   string
	Range   AllocationRange
}

// Resolve finds the CIDR block and label covering addr. A nil Match with a
// nil error means no range covers the address.
func Resolve(ctx context.Context, addr string, fetcher RangeFetcher) (*Match, error) {
	ip, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}

	r, err := FindCoveringRange(ctx, ip, fetcher)
	if err != nil || r == nil {
		return nil, err
	}

	blocks, err := Decompose(*r)
	if err != nil {
		return nil, err
	}
	block, ok := ContainingBlock(ip, blocks)
	if !ok {
		return nil, nil
	}

	return &Match{Network: block.Network, Label: block.Label, Range: *r}, nil
}

// Options configures a Resolver.
type Options struct {
	UnknownLabel string
}

// Resolver binds a fetcher to lookup options.
type Resolver struct {
	fetcher RangeFetcher
	opts    Options
}

// New returns a Resolver reading ranges from fetcher.
func New(fetcher RangeFetcher, opts Options) *Resolver {
	if opts.UnknownLabel == "" {
		opts.UnknownLabel = DefaultUnknownLabel
	}
	return &Resolver{fetcher: fetcher, opts: opts}
}

// Resolve is the package level Resolve bound to the resolver's fetcher.
func (r *Resolver) Resolve(ctx context.Context, addr string) (*Match, error) {
	return Resolve(ctx, addr, r.fetcher)
}

// Label returns the label for addr, or the unknown label when nothing
// covers it.
func (r *Resolver) Label(ctx context.Context, addr string) (string, error) {
	m, err := r.Resolve(ctx, addr)
	if err != nil {
		return "", err
	}
	if m == nil {
		return r.opts.UnknownLabel, nil
	}
	return m.Label, nil
}

// UnknownLabel returns the label used for unmatched addresses.
func (r *Resolver) UnknownLabel() string {
	return r.opts.UnknownLabel
}
