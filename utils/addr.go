package utils

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// JoinHostPort builds "ip:port".
func JoinHostPort(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}

// Port extracts the numeric port of a host:port address.
func Port(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, errors.Wrapf(err, "split %s", addr)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return 0, errors.Wrapf(err, "port of %s", addr)
	}
	return port, nil
}

// Host returns the host part of addr, or addr itself when it has no port.
func Host(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// LocalIP returns the first non-loopback IPv4 address of this machine.
func LocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", errors.Wrap(err, "list interface addresses")
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", errors.New("utils: no non-loopback IPv4 address")
}

// SubnetHosts lists every host address of the /24 around ip, ip itself
// excluded.
func SubnetHosts(ip string) ([]string, error) {
	parsed := net.ParseIP(ip).To4()
	if parsed == nil {
		return nil, errors.Errorf("utils: %q is not an IPv4 address", ip)
	}
	hosts := make([]string, 0, 253)
	for i := 1; i < 255; i++ {
		if byte(i) == parsed[3] {
			continue
		}
		hosts = append(hosts, net.IPv4(parsed[0], parsed[1], parsed[2], byte(i)).String())
	}
	return hosts, nil
}
