package netlink

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"golang.org/x/sys/unix"
)

func appendRtAttr(b []byte, typ uint16, data []byte) []byte {
	b = binary.NativeEndian.AppendUint16(b, uint16(unix.SizeofRtAttr+len(data)))
	b = binary.NativeEndian.AppendUint16(b, typ)
	b = append(b, data...)
	for len(b)%unix.RTA_ALIGNTO != 0 {
		b = append(b, 0)
	}
	return b
}

func TestDecodeAddress(t *testing.T) {
	addrBytes := []byte{10, 0, 0, 5}
	wantIP := netip.AddrFrom4([4]byte(addrBytes))
	label := []byte("eth0\x00")

	for _, c := range []struct {
		name      string
		attrs     func() []byte
		wantOK    bool
		wantLabel string
	}{
		{
			name: "AddressThenLabel",
			attrs: func() []byte {
				b := appendRtAttr(nil, unix.IFA_ADDRESS, addrBytes)
				return appendRtAttr(b, unix.IFA_LABEL, label)
			},
			wantOK:    true,
			wantLabel: "eth0",
		},
		{
			name: "LabelThenAddress",
			attrs: func() []byte {
				b := appendRtAttr(nil, unix.IFA_LABEL, label)
				return appendRtAttr(b, unix.IFA_ADDRESS, addrBytes)
			},
			wantOK:    true,
			wantLabel: "eth0",
		},
		{
			name: "OtherAttrsIgnored",
			attrs: func() []byte {
				b := appendRtAttr(nil, unix.IFA_FLAGS, []byte{1, 0, 0, 0})
				b = appendRtAttr(b, unix.IFA_LABEL, label)
				b = appendRtAttr(b, unix.IFA_BROADCAST, []byte{10, 0, 0, 255})
				return appendRtAttr(b, unix.IFA_ADDRESS, addrBytes)
			},
			wantOK:    true,
			wantLabel: "eth0",
		},
		{
			name: "LabelWithoutTerminator",
			attrs: func() []byte {
				b := appendRtAttr(nil, unix.IFA_ADDRESS, addrBytes)
				return appendRtAttr(b, unix.IFA_LABEL, []byte("eth0"))
			},
			wantOK:    true,
			wantLabel: "eth0",
		},
		{
			name: "LabelOnly",
			attrs: func() []byte {
				return appendRtAttr(nil, unix.IFA_LABEL, label)
			},
		},
		{
			name: "AddressOnly",
			attrs: func() []byte {
				return appendRtAttr(nil, unix.IFA_ADDRESS, addrBytes)
			},
		},
		{
			name: "NonIPv4AddressSkipped",
			attrs: func() []byte {
				b := appendRtAttr(nil, unix.IFA_ADDRESS, make([]byte, 16))
				return appendRtAttr(b, unix.IFA_LABEL, label)
			},
		},
		{
			name: "NonIPv4AddressThenValid",
			attrs: func() []byte {
				b := appendRtAttr(nil, unix.IFA_ADDRESS, make([]byte, 16))
				b = appendRtAttr(b, unix.IFA_ADDRESS, addrBytes)
				return appendRtAttr(b, unix.IFA_LABEL, label)
			},
			wantOK:    true,
			wantLabel: "eth0",
		},
		{
			name:  "Empty",
			attrs: func() []byte { return nil },
		},
	} {
		t.Run(c.name, func(t *testing.T) {
			addr, ok := decodeAddress(c.attrs())
			if ok != c.wantOK {
				t.Fatalf("decodeAddress ok = %v, want %v", ok, c.wantOK)
			}
			if !ok {
				return
			}
			if addr.IP != wantIP {
				t.Errorf("addr.IP = %v, want %v", addr.IP, wantIP)
			}
			if addr.Label != c.wantLabel {
				t.Errorf("addr.Label = %q, want %q", addr.Label, c.wantLabel)
			}
		})
	}
}

func TestDecodeAddressTruncatedAttr(t *testing.T) {
	b := appendRtAttr(nil, unix.IFA_ADDRESS, addrBytesOf(t, "192.168.1.1"))
	b = appendRtAttr(b, unix.IFA_LABEL, []byte("wlan0\x00"))

	// A truncated trailing attribute must not panic or decode.
	if _, ok := decodeAddress(b[:3]); ok {
		t.Error("decodeAddress succeeded on truncated input")
	}

	// An attribute whose length runs past the buffer is rejected.
	bad := binary.NativeEndian.AppendUint16(nil, 64)
	bad = binary.NativeEndian.AppendUint16(bad, unix.IFA_ADDRESS)
	if _, ok := decodeAddress(bad); ok {
		t.Error("decodeAddress succeeded on overlong attribute")
	}
}

func addrBytesOf(t *testing.T, s string) []byte {
	t.Helper()
	a := netip.MustParseAddr(s).As4()
	return a[:]
}
