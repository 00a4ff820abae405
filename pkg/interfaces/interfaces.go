package interfaces

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	apierrors "k8s.io/apimachinery/pkg/util/errors"
)

var (
	netInterfaces = net.Interfaces
	linkByName    = netlink.LinkByName
)

func isUp(nif net.Interface) bool {
	return nif.Flags&net.FlagUp != 0
}

func isLoopback(nif net.Interface) bool {
	return nif.Flags&net.FlagLoopback != 0
}

// IsValidInterfaceNameAndState check if interface name is valid, interface state is UP and its not loopback interface
func IsValidInterfaceNameAndState(ifName string) bool {
	ifs, err := netInterfaces()
	if err != nil {
		return false
	}
	for _, inf := range ifs {
		if inf.Name == ifName && isUp(inf) && !isLoopback(inf) {
			return true
		}
	}
	return false
}

// ValidateCaptureInterfaces checks that every named interface can be captured on.
func ValidateCaptureInterfaces(names []string) error {
	var errors []error
	for _, name := range names {
		if !IsValidInterfaceNameAndState(name) {
			errors = append(errors, fmt.Errorf("interface %q does not exist, is down or is a loopback interface", name))
		}
	}
	if len(errors) > 0 {
		return apierrors.NewAggregate(errors)
	}
	return nil
}

// GetInterfaceIndex returns the interface index of the interface with the given name.
func GetInterfaceIndex(interfaceName string) (uint32, error) {
	link, err := linkByName(interfaceName)
	if err != nil {
		return 0, fmt.Errorf("looking up network interface name %q: %s", interfaceName, err)
	}
	return uint32(link.Attrs().Index), nil
}

// GetFrameSize returns the largest frame the interface can deliver: its MTU plus an Ethernet header
// with one VLAN tag.
func GetFrameSize(interfaceName string) (int, error) {
	link, err := linkByName(interfaceName)
	if err != nil {
		return 0, fmt.Errorf("looking up network interface name %q: %s", interfaceName, err)
	}
	mtu := link.Attrs().MTU
	if mtu <= 0 {
		mtu = 1500
	}
	return mtu + 18, nil
}
