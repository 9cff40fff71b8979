package reactor

import "net"

// ACL decides whether a peer address may reach a socket that is not
// flagged publicAccess. Loopback IPv4 (127.0.0.0/8) and IPv6 (::1) are
// always allowed; additional networks are configured per deployment.
type ACL struct {
	nets []*net.IPNet
}

// NewACL parses cidrs (in addition to the always-allowed loopback ranges)
// into an ACL. A malformed entry is skipped rather than rejecting startup,
// since the private socket always still has loopback access.
func NewACL(cidrs []string) *ACL {
	a := &ACL{}
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			continue
		}
		a.nets = append(a.nets, ipnet)
	}
	return a
}

// Allowed reports whether ip may reach a socket guarded by this ACL.
// publicAccess sockets bypass the ACL entirely, per §4.5.
func (a *ACL) Allowed(ip net.IP, publicAccess bool) bool {
	if publicAccess {
		return true
	}
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	for _, n := range a.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
