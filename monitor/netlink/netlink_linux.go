package netlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"
	"unsafe"

	monitorpkg "github.com/karin0/ip-roam/monitor"
	"github.com/karin0/ip-roam/monitor/netlink/internal/rtnetlink"
	"github.com/karin0/ip-roam/tslog"
	"golang.org/x/sys/unix"
)

// dumpSeq is the sequence number of the one RTM_GETADDR dump request the
// monitor ever sends. Replies carry it back; multicast notifications carry
// a zero sequence number, which is how the two are told apart.
const dumpSeq = 1

// eventChBacklog bounds the number of live notifications that can pile up
// while the consumer is still draining the address dump.
const eventChBacklog = 64

func newMonitor(logger *tslog.Logger) (*Monitor, error) {
	return &Monitor{
		monitor: monitor{
			logger:  logger,
			addrCh:  make(chan monitorpkg.Address),
			eventCh: make(chan monitorpkg.Event, eventChBacklog),
		},
	}, nil
}

type monitor struct {
	logger   *tslog.Logger
	addrCh   chan monitorpkg.Address
	eventCh  chan monitorpkg.Event
	dumpDone bool
}

func (m *monitor) addresses() <-chan monitorpkg.Address {
	return m.addrCh
}

func (m *monitor) events() <-chan monitorpkg.Event {
	return m.eventCh
}

// aLongTimeAgo is a non-zero time, far in the past, used for immediate deadlines.
var aLongTimeAgo = time.Unix(0, 0)

func (m *monitor) run(ctx context.Context) error {
	c, err := rtnetlink.Open(unix.RTMGRP_IPV4_IFADDR)
	if err != nil {
		close(m.addrCh)
		close(m.eventCh)
		return fmt.Errorf("failed to open netlink connection: %w", err)
	}
	defer c.Close()

	m.logger.Info("Started monitoring IPv4 address changes")

	done := ctx.Done()
	stop := context.AfterFunc(ctx, func() {
		if err := c.SetReadDeadline(aLongTimeAgo); err != nil {
			m.logger.Error("Failed to set deadline on netlink connection", tslog.Err(err))
		}
	})
	defer stop()

	if err = m.requestAddrDump(c.NewWConn()); err != nil {
		// Without the dump the enumeration stays empty, but live
		// notifications still flow, so keep going.
		m.logger.Error("Failed to request RTM_GETADDR dump", tslog.Err(err))
		m.endDump()
	}

	err = m.readLoop(c.NewRConn())

	m.logger.Info("Stopped monitoring IPv4 address changes")

	select {
	case <-done:
		return nil
	default:
	}
	if err != nil {
		return fmt.Errorf("netlink connection terminated: %w", err)
	}
	return errors.New("netlink connection terminated")
}

type addrDumpRequest struct {
	Header  unix.NlMsghdr
	Message unix.IfAddrmsg
}

func (m *monitor) requestAddrDump(wc *rtnetlink.WConn) error {
	const msgLen = unix.SizeofNlMsghdr + unix.SizeofIfAddrmsg
	b := make([]byte, msgLen)
	req := (*addrDumpRequest)(unsafe.Pointer(unsafe.SliceData(b)))
	*req = addrDumpRequest{
		Header: unix.NlMsghdr{
			Len:   msgLen,
			Type:  unix.RTM_GETADDR,
			Flags: unix.NLM_F_REQUEST | unix.NLM_F_DUMP,
			Seq:   dumpSeq,
		},
		Message: unix.IfAddrmsg{
			Family: unix.AF_INET,
			Scope:  unix.RT_SCOPE_UNIVERSE,
		},
	}

	sa := unix.RawSockaddrNetlink{
		Family: unix.AF_NETLINK,
	}
	iov := unix.Iovec{
		Base: unsafe.SliceData(b),
		Len:  msgLen,
	}
	msg := unix.Msghdr{
		Name:    (*byte)(unsafe.Pointer(&sa)),
		Namelen: unix.SizeofSockaddrNetlink,
		Iov:     &iov,
		Iovlen:  1,
	}

	if _, err := wc.WriteMsg(&msg, 0); err != nil {
		return err
	}
	return nil
}

// endDump closes the enumeration channel. Safe to call more than once.
func (m *monitor) endDump() {
	if !m.dumpDone {
		m.dumpDone = true
		close(m.addrCh)
	}
}

func (m *monitor) readLoop(rc *rtnetlink.RConn) error {
	defer close(m.eventCh)
	defer m.endDump()

	var rsa unix.RawSockaddrNetlink
	const readBufSize = 32 * 1024
	rb := make([]byte, readBufSize)
	riov := unix.Iovec{
		Base: unsafe.SliceData(rb),
		Len:  readBufSize,
	}
	rmsg := unix.Msghdr{
		Name:    (*byte)(unsafe.Pointer(&rsa)),
		Namelen: unix.SizeofSockaddrNetlink,
		Iov:     &riov,
		Iovlen:  1,
	}

	for {
		n, err := rc.ReadMsg(&rmsg, 0)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil
			}
			if errors.Is(err, syscall.ENOBUFS) {
				// The kernel dropped notifications; the next event
				// for the interface will straighten things out.
				m.logger.Warn("Netlink receive buffer overrun")
				continue
			}
			return err
		}

		if m.logger.Enabled(slog.LevelDebug) {
			m.logger.Debug("Received netlink message",
				tslog.Int("n", n),
				tslog.Uint("nl_pid", rsa.Pid),
				tslog.Uint("nl_groups", rsa.Groups),
			)
		}

		if !m.handleNetlinkMessage(rb[:n]) {
			return nil
		}
	}
}

// handleNetlinkMessage walks the netlink messages in b and dispatches decoded
// address records to the enumeration or event channel. It returns false when
// the message stream is malformed beyond recovery.
func (m *monitor) handleNetlinkMessage(b []byte) bool {
	for len(b) >= unix.SizeofNlMsghdr {
		nlh := (*unix.NlMsghdr)(unsafe.Pointer(unsafe.SliceData(b)))
		msgSize := rtnetlink.NlMsgAlign(nlh.Len)
		if nlh.Len < unix.SizeofNlMsghdr || int(msgSize) > len(b) {
			m.logger.Error("Invalid netlink message length",
				tslog.Uint("nlmsg_len", nlh.Len),
				tslog.Uint("nlmsg_type", nlh.Type),
				tslog.Uint("nlmsg_flags", nlh.Flags),
				tslog.Uint("nlmsg_seq", nlh.Seq),
				tslog.Int("len(b)", len(b)),
			)
			return false
		}

		switch nlh.Type {
		case unix.NLMSG_DONE:
			if nlh.Seq == dumpSeq {
				m.logger.Debug("Address dump complete")
				m.endDump()
			}

		case unix.NLMSG_ERROR:
			if nlh.Len < unix.SizeofNlMsghdr+unix.SizeofNlMsgerr {
				m.logger.Error("Invalid NLMSG_ERROR message length",
					tslog.Uint("nlmsg_len", nlh.Len),
					tslog.Uint("nlmsg_seq", nlh.Seq),
				)
				return false
			}

			nle := (*unix.NlMsgerr)(unsafe.Pointer(unsafe.SliceData(b[unix.SizeofNlMsghdr:])))
			if nle.Error != 0 {
				m.logger.Error("Received netlink error response",
					tslog.Int("error", nle.Error),
					tslog.Uint("seq", nle.Msg.Seq),
				)
			}
			if nle.Msg.Seq == dumpSeq {
				m.endDump()
			}

		case unix.RTM_NEWADDR, unix.RTM_DELADDR:
			m.handleAddrMessage(nlh, b[:nlh.Len])

		default:
			if m.logger.Enabled(slog.LevelDebug) {
				m.logger.Debug("Skipping netlink message",
					tslog.Uint("nlmsg_len", nlh.Len),
					tslog.Uint("nlmsg_type", nlh.Type),
					tslog.Uint("nlmsg_seq", nlh.Seq),
				)
			}
		}

		b = b[msgSize:]
	}

	return true
}

func (m *monitor) handleAddrMessage(nlh *unix.NlMsghdr, b []byte) {
	if len(b) < unix.SizeofNlMsghdr+unix.SizeofIfAddrmsg {
		m.logger.Error("Invalid IfAddrmsg message length",
			tslog.Uint("nlmsg_len", nlh.Len),
			tslog.Uint("nlmsg_type", nlh.Type),
		)
		return
	}

	ifam := (*unix.IfAddrmsg)(unsafe.Pointer(unsafe.SliceData(b[unix.SizeofNlMsghdr:])))
	if ifam.Family != unix.AF_INET {
		if m.logger.Enabled(slog.LevelDebug) {
			m.logger.Debug("Skipping address with unsupported family",
				tslog.Uint("ifa_family", ifam.Family),
				tslog.Uint("ifa_index", ifam.Index),
			)
		}
		return
	}

	addr, ok := decodeAddress(b[unix.SizeofNlMsghdr+unix.SizeofIfAddrmsg : nlh.Len])
	if !ok {
		// Best-effort decode: records without both an address and a
		// label are expected and skipped.
		if m.logger.Enabled(slog.LevelDebug) {
			m.logger.Debug("Skipping undecodable address record",
				tslog.Uint("nlmsg_type", nlh.Type),
				tslog.Uint("ifa_index", ifam.Index),
			)
		}
		return
	}

	if m.logger.Enabled(slog.LevelDebug) {
		m.logger.Debug("Decoded address record",
			tslog.Uint("nlmsg_type", nlh.Type),
			tslog.Uint("nlmsg_seq", nlh.Seq),
			tslog.Addr("addr", addr.IP),
			slog.String("label", addr.Label),
		)
	}

	if nlh.Type == unix.RTM_NEWADDR && nlh.Seq == dumpSeq {
		if !m.dumpDone {
			m.addrCh <- addr
		}
		return
	}

	op := monitorpkg.OpAdded
	if nlh.Type == unix.RTM_DELADDR {
		op = monitorpkg.OpRemoved
	}
	m.eventCh <- monitorpkg.Event{
		Addr: addr,
		Op:   op,
	}
}
