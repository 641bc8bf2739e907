package rtnetlink

import "golang.org/x/sys/unix"

/*
#define NLMSG_ALIGN(len) ( ((len)+NLMSG_ALIGNTO-1) & ~(NLMSG_ALIGNTO-1) )
*/

func NlMsgAlign(length uint32) uint32 {
	return (length + unix.NLMSG_ALIGNTO - 1) & ^uint32(unix.NLMSG_ALIGNTO-1)
}

/*
#define RTA_ALIGN(len) ( ((len)+RTA_ALIGNTO-1) & ~(RTA_ALIGNTO-1) )
*/

func RtaAlign(length uint16) uint16 {
	return (length + unix.RTA_ALIGNTO - 1) & ^uint16(unix.RTA_ALIGNTO-1)
}
