package failsaferules

import (
	"golang.org/x/sys/unix"

	"github.com/openshift/ingress-node-acl/pkg/rules"
)

type TransportProtoFailSafeRule struct {
	serviceName string
	port        uint16
}

var tcp = []TransportProtoFailSafeRule{
	{
		"Kubernetes API",
		6443,
	},
	{
		"ETCD",
		2380,
	},
	{
		"ETCD",
		2379,
	},
	{
		"SSH",
		22,
	},
	{
		"Kubelet",
		10250,
	},
	{
		"kube-scheduler",
		10259,
	},
	{
		"kube-controller-manager",
		10257,
	},
}

var udp = []TransportProtoFailSafeRule{
	{
		"DHCP",
		68,
	},
}

func GetTCP() []TransportProtoFailSafeRule {
	return tcp
}

func GetUDP() []TransportProtoFailSafeRule {
	return udp
}

func (t TransportProtoFailSafeRule) GetServiceName() string {
	return t.serviceName
}

func (t TransportProtoFailSafeRule) GetPort() uint16 {
	return t.port
}

// Specs returns one allow spec per fail-safe port. Placed ahead of user rules they take the highest
// priorities, so no user rule can shadow them.
func Specs() []rules.Spec {
	specs := make([]rules.Spec, 0, len(tcp)+len(udp))
	for _, r := range GetTCP() {
		specs = append(specs, rules.Spec{Protocol: unix.IPPROTO_TCP, DestinationPort: r.GetPort()})
	}
	for _, r := range GetUDP() {
		specs = append(specs, rules.Spec{Protocol: unix.IPPROTO_UDP, DestinationPort: r.GetPort()})
	}
	return specs
}

// IsPinhole reports whether proto/port is covered by a fail-safe rule.
func IsPinhole(proto uint8, port uint16) (TransportProtoFailSafeRule, bool) {
	var table []TransportProtoFailSafeRule
	switch proto {
	case unix.IPPROTO_TCP:
		table = tcp
	case unix.IPPROTO_UDP:
		table = udp
	default:
		return TransportProtoFailSafeRule{}, false
	}
	for _, r := range table {
		if r.port == port {
			return r, true
		}
	}
	return TransportProtoFailSafeRule{}, false
}
