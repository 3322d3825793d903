package dcc

import (
	"math/rand"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPToUint32KnownValues(t *testing.T) {
	tests := []struct {
		ip   string
		want uint32
	}{
		{"0.0.0.0", 0},
		{"0.0.0.1", 1},
		{"1.0.0.0", 16777216},
		{"127.0.0.1", 2130706433},
		{"192.168.1.1", 3232235777},
		{"255.255.255.255", 4294967295},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			got, err := IPToUint32(net.ParseIP(tt.ip))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ip, Uint32ToIP(tt.want).String())
		})
	}
}

func TestIPEncodingIsBijective(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		n := r.Uint32()
		back, err := IPToUint32(Uint32ToIP(n))
		require.NoError(t, err)
		require.Equal(t, n, back, "uint32 %d", n)

		ip := net.IPv4(byte(r.Intn(256)), byte(r.Intn(256)), byte(r.Intn(256)), byte(r.Intn(256)))
		enc, err := IPToUint32(ip)
		require.NoError(t, err)
		require.True(t, ip.Equal(Uint32ToIP(enc)), "ip %s", ip)
	}
}

func TestIPToUint32RejectsIPv6(t *testing.T) {
	_, err := IPToUint32(net.ParseIP("2001:db8::1"))
	assert.ErrorIs(t, err, ErrInvalidOffer)
}

func TestParseOffer(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    Offer
		wantErr bool
	}{
		{
			name: "plain",
			body: "SEND SearchBot_results_for_dune.txt.zip 2130706433 5000 1234",
			want: Offer{Filename: "SearchBot_results_for_dune.txt.zip", IP: net.IPv4(127, 0, 0, 1).To4(), Port: 5000, Size: 1234},
		},
		{
			name: "quoted filename with spaces",
			body: `SEND "Frank Herbert - Dune.epub" 3232235777 1024 1048576`,
			want: Offer{Filename: "Frank Herbert - Dune.epub", IP: net.IPv4(192, 168, 1, 1).To4(), Port: 1024, Size: 1048576},
		},
		{
			name: "unquoted filename with spaces",
			body: "SEND Frank Herbert - Dune.epub 2130706433 5000 33",
			want: Offer{Filename: "Frank Herbert - Dune.epub", IP: net.IPv4(127, 0, 0, 1).To4(), Port: 5000, Size: 33},
		},
		{
			name: "numeric filename",
			body: "SEND 1984 2130706433 5000 33",
			want: Offer{Filename: "1984", IP: net.IPv4(127, 0, 0, 1).To4(), Port: 5000, Size: 33},
		},
		{
			name: "no size",
			body: "SEND book.epub 2130706433 5000",
			want: Offer{Filename: "book.epub", IP: net.IPv4(127, 0, 0, 1).To4(), Port: 5000},
		},
		{
			name: "filename ending in a number without size",
			body: "SEND book 2 3232235777 5000",
			want: Offer{Filename: "book 2", IP: net.IPv4(192, 168, 1, 1).To4(), Port: 5000},
		},
		{
			name: "filename ending in a number with size",
			body: "SEND book 2 3232235777 5000 700",
			want: Offer{Filename: "book 2", IP: net.IPv4(192, 168, 1, 1).To4(), Port: 5000, Size: 700},
		},
		{
			name: "lowercase send and dotted address",
			body: "send book.epub 10.0.0.2 5000 10",
			want: Offer{Filename: "book.epub", IP: net.ParseIP("10.0.0.2"), Port: 5000, Size: 10},
		},
		{name: "passive", body: "SEND book.epub 2130706433 0 33 77", wantErr: true},
		{name: "chat", body: "CHAT chat 2130706433 5000", wantErr: true},
		{name: "too short", body: "SEND book.epub", wantErr: true},
		{name: "bad port", body: "SEND book.epub 2130706433 99999 33", wantErr: true},
		{name: "bad address", body: "SEND book.epub nowhere 5000", wantErr: true},
		{name: "unterminated quote", body: `SEND "book.epub 2130706433 5000 33`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOffer("Bsk", tt.body)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidOffer)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Filename, got.Filename)
			assert.True(t, tt.want.IP.Equal(got.IP), "ip %s != %s", got.IP, tt.want.IP)
			assert.Equal(t, tt.want.Port, got.Port)
			assert.Equal(t, tt.want.Size, got.Size)
			assert.Equal(t, "Bsk", got.From)
		})
	}
}

func TestOfferCTCPBodyRoundTrip(t *testing.T) {
	offers := []Offer{
		{Filename: "book.epub", IP: net.IPv4(127, 0, 0, 1), Port: 5000, Size: 33},
		{Filename: "Frank Herbert - Dune.epub", IP: net.IPv4(203, 0, 113, 9), Port: 65535, Size: 1 << 33},
	}
	for _, o := range offers {
		body, err := o.CTCPBody()
		require.NoError(t, err)
		got, err := ParseOffer("", body)
		require.NoError(t, err)
		assert.Equal(t, o.Filename, got.Filename)
		assert.True(t, o.IP.Equal(got.IP))
		assert.Equal(t, o.Port, got.Port)
		assert.Equal(t, o.Size, got.Size)
	}
}
