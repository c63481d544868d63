package resolver

import (
	"context"
	"math"
	"net/netip"
	"sort"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceFetcher serves rows from memory and records the prefixes asked for.
type sliceFetcher struct {
	rows     []RangeRow
	prefixes []string
}

func (f *sliceFetcher) FetchRangesByPrefix(ctx context.Context, prefix string) ([]RangeRow, error) {
	f.prefixes = append(f.prefixes, prefix)
	out := []RangeRow{}
	for _, row := range f.rows {
		if strings.HasPrefix(row.Start, prefix) {
			out = append(out, row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, _ := ParseAddress(out[i].Start)
		b, _ := ParseAddress(out[j].Start)
		return a < b
	})
	return out, nil
}

func mustParse(t *testing.T, s string) uint32 {
	ip, err := ParseAddress(s)
	require.NoError(t, err)
	return ip
}

func TestNewAllocationRange(t *testing.T) {
	assert := assert.New(t)

	r, err := NewAllocationRange(0x0a000005, 10, "FR")
	assert.Nil(err)
	assert.Equal(uint32(0x0a00000e), r.Broadcast())
	assert.True(r.Contains(0x0a000005))
	assert.True(r.Contains(0x0a00000e))
	assert.False(r.Contains(0x0a00000f))

	_, err = NewAllocationRange(0x0a000000, 0, "FR")
	assert.True(IsInvalidRange(err))

	_, err = NewAllocationRange(0x0a000000, -4, "FR")
	assert.True(IsInvalidRange(err))

	_, err = NewAllocationRange(0xffffff00, 257, "ZZ")
	assert.True(IsInvalidRange(err))

	r, err = NewAllocationRange(0xffffff00, 256, "ZZ")
	assert.Nil(err)
	assert.Equal(uint32(math.MaxUint32), r.Broadcast())
}

func TestDecomposeAligned(t *testing.T) {
	assert := assert.New(t)

	blocks, err := Decompose(AllocationRange{Start: mustParse(t, "1.2.3.0"), Count: 256, Label: "JP"})
	assert.Nil(err)
	assert.Equal([]CidrBlock{{Network: netip.MustParsePrefix("1.2.3.0/24"), Label: "JP"}}, blocks)
}

func TestDecomposeNonAligned(t *testing.T) {
	assert := assert.New(t)

	blocks, err := Decompose(AllocationRange{Start: mustParse(t, "10.0.0.5"), Count: 10, Label: "FR"})
	assert.Nil(err)

	got := []string{}
	for _, b := range blocks {
		got = append(got, b.Network.String())
		assert.Equal("FR", b.Label)
	}
	assert.Equal([]string{"10.0.0.5/32", "10.0.0.6/31", "10.0.0.8/30", "10.0.0.12/31", "10.0.0.14/32"}, got)

	block, ok := ContainingBlock(mustParse(t, "10.0.0.9"), blocks)
	assert.True(ok)
	assert.Equal("10.0.0.8/30", block.Network.String())
	assert.Equal("FR", block.Label)
}

func TestDecomposeAddressSpaceEdges(t *testing.T) {
	assert := assert.New(t)

	blocks, err := Decompose(AllocationRange{Start: 0xffffff00, Count: 256})
	assert.Nil(err)
	assert.Equal([]CidrBlock{{Network: netip.MustParsePrefix("255.255.255.0/24")}}, blocks)

	blocks, err = Decompose(AllocationRange{Start: 0, Count: math.MaxUint32})
	assert.Nil(err)
	assert.Len(blocks, 32)
	assert.Equal("0.0.0.0/1", blocks[0].Network.String())
	assert.Equal("255.255.255.254/32", blocks[31].Network.String())

	blocks, err = Decompose(AllocationRange{Start: math.MaxUint32, Count: 1})
	assert.Nil(err)
	assert.Equal("255.255.255.255/32", blocks[0].Network.String())
}

func TestDecomposeInvalid(t *testing.T) {
	assert := assert.New(t)

	_, err := Decompose(AllocationRange{Start: 1, Count: 0})
	assert.True(IsInvalidRange(err))

	_, err = Decompose(AllocationRange{Start: math.MaxUint32, Count: 2})
	assert.True(IsInvalidRange(err))
}

func blockBounds(b CidrBlock) (uint64, uint64) {
	first := uint64(fromAddr(b.Network.Addr()))
	return first, first + uint64(1)<<uint(32-b.Network.Bits()) - 1
}

func TestDecomposeProperties(t *testing.T) {
	for _, base := range []uint32{0, 0x0a000000, 0xc0a80003, 0xfffffe00} {
		for off := uint32(0); off < 37; off++ {
			for count := uint32(1); count <= 300; count += 7 {
				r := AllocationRange{Start: base + off, Count: count, Label: "XX"}
				if uint64(r.Start)+uint64(count)-1 > math.MaxUint32 {
					continue
				}
				blocks, err := Decompose(r)
				require.NoError(t, err)

				again, err := Decompose(r)
				require.NoError(t, err)
				require.Equal(t, blocks, again)

				// completeness: blocks tile [start, broadcast] in order
				next := uint64(r.Start)
				for i, b := range blocks {
					first, last := blockBounds(b)
					require.Equal(t, next, first, "%v block %d", r, i)
					require.Equal(t, b.Network.Masked(), b.Network, "%v block %d not canonical", r, i)
					next = last + 1

					// minimality: adjacent equal-size buddies would merge
					if i > 0 {
						prev := blocks[i-1]
						pf, _ := blockBounds(prev)
						size := uint64(1) << uint(32-prev.Network.Bits())
						mergeable := prev.Network.Bits() == b.Network.Bits() && pf%(2*size) == 0
						require.False(t, mergeable, "%v blocks %d and %d merge", r, i-1, i)
					}
				}
				require.Equal(t, uint64(r.Broadcast())+1, next, "%v", r)
			}
		}
	}
}

func TestContainingBlockProperty(t *testing.T) {
	r := AllocationRange{Start: mustParse(t, "172.16.0.3"), Count: 77, Label: "DE"}
	blocks, err := Decompose(r)
	require.NoError(t, err)

	for a := r.Start - 5; a <= r.Broadcast()+5; a++ {
		b, ok := ContainingBlock(a, blocks)
		if r.Contains(a) {
			require.True(t, ok, FormatAddress(a))
			require.True(t, b.Network.Contains(toAddr(a)))
			require.Equal(t, "DE", b.Label)
		} else {
			require.False(t, ok, FormatAddress(a))
		}
	}
}

func TestContainingBlockEmpty(t *testing.T) {
	_, ok := ContainingBlock(1, nil)
	assert.False(t, ok)
}

func TestPrefixes(t *testing.T) {
	assert.Equal(t, []string{"1.2.3.200", "1.2.3.", "1.2.", "1."}, Prefixes(0x010203c8))
	assert.Equal(t, []string{"0.0.0.0", "0.0.0.", "0.0.", "0."}, Prefixes(0))
}

var twoRanges = []RangeRow{
	{Start: "1.2.3.0", Count: 256, Label: "JP"},
	{Start: "1.2.4.0", Count: 256, Label: "US"},
}

func TestResolveScenario(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	m, err := Resolve(ctx, "1.2.3.200", &sliceFetcher{rows: twoRanges})
	assert.Nil(err)
	require.NotNil(t, m)
	assert.Equal("JP", m.Label)
	assert.Equal("1.2.3.0/24", m.Network.String())

	m, err = Resolve(ctx, "1.2.4.255", &sliceFetcher{rows: twoRanges})
	assert.Nil(err)
	require.NotNil(t, m)
	assert.Equal("US", m.Label)
	assert.Equal("1.2.4.0/24", m.Network.String())

	f := &sliceFetcher{rows: twoRanges}
	m, err = Resolve(ctx, "1.2.5.1", f)
	assert.Nil(err)
	assert.Nil(m)
	assert.Equal([]string{"1.2.5.1", "1.2.5.", "1.2.", "1."}, f.prefixes)
}

func TestResolveNonAligned(t *testing.T) {
	m, err := Resolve(context.Background(), "10.0.0.9", &sliceFetcher{rows: []RangeRow{
		{Start: "10.0.0.5", Count: 10, Label: "FR"},
	}})
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "FR", m.Label)
	assert.Equal(t, "10.0.0.8/30", m.Network.String())
	assert.Equal(t, uint32(10), m.Range.Count)
}

func TestResolvePrefixWidening(t *testing.T) {
	f := &sliceFetcher{rows: []RangeRow{
		{Start: "10.0.0.0", Count: 1 << 17, Label: "CN"},
		{Start: "11.0.0.0", Count: 256, Label: "US"},
	}}

	m, err := Resolve(context.Background(), "10.1.5.5", f)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "CN", m.Label)
	assert.Equal(t, "10.0.0.0/15", m.Network.String())
	assert.Equal(t, []string{"10.1.5.5", "10.1.5.", "10.1.", "10."}, f.prefixes)
}

func TestResolveGapStopsInFirstBracketingBatch(t *testing.T) {
	f := &sliceFetcher{rows: []RangeRow{
		{Start: "1.2.3.0", Count: 16, Label: "A"},
		{Start: "1.2.3.64", Count: 16, Label: "B"},
	}}

	m, err := Resolve(context.Background(), "1.2.3.32", f)
	assert.Nil(t, err)
	assert.Nil(t, m)
	assert.Equal(t, []string{"1.2.3.32", "1.2.3."}, f.prefixes)
}

func TestResolveTextualPrefixIsNotNumeric(t *testing.T) {
	f := &sliceFetcher{rows: []RangeRow{
		{Start: "1.2.3.0", Count: 64, Label: "KR"},
		{Start: "1.2.3.200", Count: 1, Label: "TW"},
	}}

	m, err := Resolve(context.Background(), "1.2.3.20", f)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "KR", m.Label)
	assert.Equal(t, "1.2.3.0/26", m.Network.String())
}

func TestResolveBoundaries(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	for addr, label := range map[string]string{"1.2.3.0": "JP", "1.2.3.255": "JP", "1.2.4.0": "US"} {
		m, err := Resolve(ctx, addr, &sliceFetcher{rows: twoRanges})
		assert.Nil(err)
		if assert.NotNil(m, addr) {
			assert.Equal(label, m.Label, addr)
		}
	}

	m, err := Resolve(ctx, "1.2.2.255", &sliceFetcher{rows: twoRanges})
	assert.Nil(err)
	assert.Nil(m)
}

func TestResolveSkipsInvalidRows(t *testing.T) {
	f := &sliceFetcher{rows: []RangeRow{
		{Start: "9.9.9.0", Count: 0, Label: "XX"},
		{Start: "9.9.9.8", Count: 8, Label: "NL"},
		{Start: "9.9.9.300", Count: 1, Label: "XX"},
		{Start: "9.9.9.255", Count: -1, Label: "XX"},
	}}

	m, err := Resolve(context.Background(), "9.9.9.12", f)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "NL", m.Label)
	assert.Equal(t, "9.9.9.8/29", m.Network.String())
}

func TestResolveInvalidAddress(t *testing.T) {
	f := &sliceFetcher{rows: twoRanges}

	_, err := Resolve(context.Background(), "1.2.3", f)
	assert.True(t, IsInvalidAddress(err))
	assert.Empty(t, f.prefixes)
}

func TestResolveFetcherError(t *testing.T) {
	boom := errors.New("connection refused")
	f := FetcherFunc(func(ctx context.Context, prefix string) ([]RangeRow, error) {
		return nil, boom
	})

	m, err := Resolve(context.Background(), "1.2.3.4", f)
	assert.Nil(t, m)
	assert.Equal(t, boom, err)
}

func TestResolverLabel(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	r := New(&sliceFetcher{rows: twoRanges}, Options{})
	assert.Equal(DefaultUnknownLabel, r.UnknownLabel())

	label, err := r.Label(ctx, "1.2.3.7")
	assert.Nil(err)
	assert.Equal("JP", label)

	label, err = r.Label(ctx, "8.8.8.8")
	assert.Nil(err)
	assert.Equal("??", label)

	r = New(&sliceFetcher{rows: twoRanges}, Options{UnknownLabel: "--"})
	label, err = r.Label(ctx, "8.8.8.8")
	assert.Nil(err)
	assert.Equal("--", label)

	_, err = r.Label(ctx, "bogus")
	assert.Error(err)
}

func TestResolveSkipsOverflowingRow(t *testing.T) {
	f := &sliceFetcher{rows: []RangeRow{
		{Start: "255.255.255.0", Count: 512, Label: "ZZ"},
		{Start: "255.255.255.8", Count: 4, Label: "AA"},
	}}

	m, err := Resolve(context.Background(), "255.255.255.10", f)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "AA", m.Label)
	assert.Equal(t, "255.255.255.8/30", m.Network.String())
}
