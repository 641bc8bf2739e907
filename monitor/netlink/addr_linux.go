package netlink

import (
	"net/netip"
	"unsafe"

	monitorpkg "github.com/karin0/ip-roam/monitor"
	"github.com/karin0/ip-roam/monitor/netlink/internal/rtnetlink"
	"golang.org/x/sys/unix"
)

// decodeAddress scans the rtnetlink attributes of an address record for
// IFA_ADDRESS and IFA_LABEL. Attributes may appear in either order; the scan
// returns as soon as both have been captured. An IFA_ADDRESS whose payload is
// not exactly 4 bytes is skipped, not treated as fatal. ok is false when the
// scan completes without having captured both fields.
func decodeAddress(b []byte) (addr monitorpkg.Address, ok bool) {
	var (
		ip        netip.Addr
		label     string
		haveIP    bool
		haveLabel bool
	)

	for len(b) >= unix.SizeofRtAttr {
		rta := (*unix.RtAttr)(unsafe.Pointer(unsafe.SliceData(b)))
		rtaSize := rtnetlink.RtaAlign(rta.Len)
		if rta.Len < unix.SizeofRtAttr || int(rtaSize) > len(b) {
			return monitorpkg.Address{}, false
		}

		switch rta.Type {
		case unix.IFA_ADDRESS:
			if int(rta.Len)-unix.SizeofRtAttr == 4 {
				ip = netip.AddrFrom4([4]byte(b[unix.SizeofRtAttr:rta.Len]))
				haveIP = true
			}

		case unix.IFA_LABEL:
			if rta.Len > unix.SizeofRtAttr {
				labelBuf := b[unix.SizeofRtAttr:rta.Len]
				if labelBuf[len(labelBuf)-1] == 0 {
					labelBuf = labelBuf[:len(labelBuf)-1]
				}
				// The read buffer is reused, so the label must be copied out.
				label = string(labelBuf)
				haveLabel = true
			}
		}

		if haveIP && haveLabel {
			return monitorpkg.Address{IP: ip, Label: label}, true
		}

		b = b[rtaSize:]
	}

	return monitorpkg.Address{}, false
}
