package resolver

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/netip"
	"os/user"
	"strconv"

	"github.com/prometheus/procfs"
)

const (
	protoTCP = 6
	protoUDP = 17
)

// socketLine is the subset of a /proc/net socket entry the querier matches on.
type socketLine struct {
	local  netip.AddrPort
	remote netip.AddrPort
	uid    int
}

// ProcfsQuerier finds socket owners in the /proc/net/{tcp,udp}{,6} tables.
type ProcfsQuerier struct {
	fs procfs.FS
}

// NewProcfsQuerier opens the proc filesystem mounted at mountPoint.
func NewProcfsQuerier(mountPoint string) (*ProcfsQuerier, error) {
	fsys, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", mountPoint, err)
	}
	return &ProcfsQuerier{fs: fsys}, nil
}

// QueryOwner returns the uid owning the socket local<->remote, or -1 when no socket matches.
// Unconnected UDP sockets match on the local endpoint alone.
func (q *ProcfsQuerier) QueryOwner(protocol uint8, local, remote netip.AddrPort) (int, error) {
	if !local.IsValid() || !remote.IsValid() {
		return -1, fmt.Errorf("%w: incomplete socket pair", ErrInvalidArgument)
	}

	lines, err := q.sockets(protocol, local.Addr().Is6() && !local.Addr().Is4In6())
	if err != nil {
		return -1, err
	}
	return matchOwner(protocol, lines, local, remote), nil
}

func (q *ProcfsQuerier) sockets(protocol uint8, v6 bool) ([]socketLine, error) {
	var (
		lines []socketLine
		err   error
	)
	switch {
	case protocol == protoTCP && !v6:
		var t procfs.NetTCP
		if t, err = q.fs.NetTCP(); err == nil {
			for _, l := range t {
				lines = append(lines, toSocketLine(l.LocalAddr, l.LocalPort, l.RemAddr, l.RemPort, l.UID))
			}
		}
	case protocol == protoTCP && v6:
		var t procfs.NetTCP
		if t, err = q.fs.NetTCP6(); err == nil {
			for _, l := range t {
				lines = append(lines, toSocketLine(l.LocalAddr, l.LocalPort, l.RemAddr, l.RemPort, l.UID))
			}
		}
	case protocol == protoUDP && !v6:
		var u procfs.NetUDP
		if u, err = q.fs.NetUDP(); err == nil {
			for _, l := range u {
				lines = append(lines, toSocketLine(l.LocalAddr, l.LocalPort, l.RemAddr, l.RemPort, l.UID))
			}
		}
	case protocol == protoUDP && v6:
		var u procfs.NetUDP
		if u, err = q.fs.NetUDP6(); err == nil {
			for _, l := range u {
				lines = append(lines, toSocketLine(l.LocalAddr, l.LocalPort, l.RemAddr, l.RemPort, l.UID))
			}
		}
	default:
		return nil, fmt.Errorf("%w: protocol %d has no socket table", ErrInvalidArgument, protocol)
	}

	switch {
	case err == nil:
		return lines, nil
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case errors.Is(err, fs.ErrNotExist):
		// The kernel was built without this address family.
		return nil, nil
	default:
		return nil, fmt.Errorf("failed to read socket table: %w", err)
	}
}

func toSocketLine(localIP net.IP, localPort uint64, remIP net.IP, remPort uint64, uid uint64) socketLine {
	return socketLine{
		local:  netip.AddrPortFrom(addrFromIP(localIP), uint16(localPort)),
		remote: netip.AddrPortFrom(addrFromIP(remIP), uint16(remPort)),
		uid:    int(uid),
	}
}

func addrFromIP(ip net.IP) netip.Addr {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}

// matchOwner prefers an exact four-tuple match and falls back to an unconnected UDP
// socket bound to the local port on the same or the wildcard address.
func matchOwner(protocol uint8, lines []socketLine, local, remote netip.AddrPort) int {
	local = netip.AddrPortFrom(local.Addr().Unmap(), local.Port())
	remote = netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port())

	fallback := -1
	for _, l := range lines {
		if l.local == local && l.remote == remote {
			return l.uid
		}
		if protocol != protoUDP || fallback >= 0 || l.local.Port() != local.Port() {
			continue
		}
		if l.remote.Port() == 0 && (l.local.Addr() == local.Addr() || l.local.Addr().IsUnspecified()) {
			fallback = l.uid
		}
	}
	return fallback
}

// UserLookup resolves a uid to the local account name.
func UserLookup(uid int) (string, bool) {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return "", false
	}
	return u.Username, true
}
