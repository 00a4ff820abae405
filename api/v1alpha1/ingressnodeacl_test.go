/*
Copyright 2022.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package v1alpha1

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/openshift/ingress-node-acl/pkg/failsaferules"
	"github.com/openshift/ingress-node-acl/pkg/rules"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

const (
	ipv4CIDR    = "192.168.1.0/24"
	badIPV4CIDR = "192.168.a.0/24"
	ipv6CIDR    = "2002::1234:abcd:ffff:c0a8:101/64"
)

func getIngressNodeACL(name string) *IngressNodeACL {
	return &IngressNodeACL{
		TypeMeta: metav1.TypeMeta{
			APIVersion: GroupVersion.String(),
			Kind:       IngressNodeACLKind,
		},
		ObjectMeta: metav1.ObjectMeta{
			Name: name,
		},
	}
}

func initRule(acl *IngressNodeACL, sourceCIDR, protocol string, port uint16, action IngressNodeACLActionType) {
	acl.Spec.Rules = []IngressNodeACLRule{{
		Protocol:        protocol,
		SourceCIDR:      sourceCIDR,
		DestinationPort: port,
		Action:          action,
	}}
}

var _ = Describe("Rules", func() {
	var acl *IngressNodeACL

	BeforeEach(func() {
		acl = getIngressNodeACL("rules")
	})

	It("allows an empty rule list", func() {
		Expect(acl.Validate()).To(Succeed())
	})

	It("allows a rule with only wildcards", func() {
		acl.Spec.Rules = []IngressNodeACLRule{{Action: IngressNodeACLDrop}}
		Expect(acl.Validate()).To(Succeed())
	})

	It("allows protocol names and numbers", func() {
		for _, p := range []string{"tcp", "UDP", "sctp", "icmp", "any", "47"} {
			initRule(acl, ipv4CIDR, p, 0, IngressNodeACLAllow)
			Expect(acl.Validate()).To(Succeed(), "protocol %s", p)
		}
	})

	It("rejects unknown protocols", func() {
		initRule(acl, ipv4CIDR, "quic", 443, IngressNodeACLAllow)
		err := acl.Validate()
		Expect(apierrors.IsInvalid(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("spec.rules[0].protocol"))
	})

	It("rejects unknown actions", func() {
		initRule(acl, ipv4CIDR, "tcp", 443, "deny")
		err := acl.Validate()
		Expect(apierrors.IsInvalid(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("spec.rules[0].action"))
	})

	It("restricts rule count", func() {
		acl.Spec.Rules = make([]IngressNodeACLRule, MaxManifestRules+1)
		for i := range acl.Spec.Rules {
			acl.Spec.Rules[i].Action = IngressNodeACLAllow
		}
		Expect(acl.Validate()).ToNot(Succeed())
	})

	It("reports every invalid field", func() {
		acl.Spec.Rules = []IngressNodeACLRule{
			{Protocol: "bogus", Action: IngressNodeACLAllow},
			{SourceCIDR: badIPV4CIDR, DestinationCIDR: ipv6CIDR, Action: IngressNodeACLAllow},
		}
		err := acl.Validate()
		status, ok := err.(apierrors.APIStatus)
		Expect(ok).To(BeTrue())
		Expect(status.Status().Details.Causes).To(HaveLen(3))
	})
})

var _ = Describe("CIDRs", func() {
	var acl *IngressNodeACL

	BeforeEach(func() {
		acl = getIngressNodeACL("cidrs")
	})

	It("allows valid IPV4 CIDR", func() {
		initRule(acl, ipv4CIDR, "tcp", 80, IngressNodeACLAllow)
		Expect(acl.Validate()).To(Succeed())
	})

	It("rejects invalid CIDR", func() {
		initRule(acl, badIPV4CIDR, "tcp", 80, IngressNodeACLAllow)
		Expect(acl.Validate()).ToNot(Succeed())
	})

	It("rejects IPV6 CIDR", func() {
		initRule(acl, ipv6CIDR, "tcp", 80, IngressNodeACLAllow)
		Expect(acl.Validate()).ToNot(Succeed())
	})
})

var _ = Describe("Pin holes", func() {
	var acl *IngressNodeACL

	BeforeEach(func() {
		acl = getIngressNodeACL("pinholes")
		acl.Spec.FailSafe = true
	})

	Context("will block", func() {
		It("rules which conflict with API server access", func() {
			initRule(acl, ipv4CIDR, "tcp", 6443, IngressNodeACLDrop)
			Expect(acl.Validate()).ToNot(Succeed())
		})

		It("rule which conflict with DHCP", func() {
			initRule(acl, ipv4CIDR, "udp", 68, IngressNodeACLDrop)
			Expect(acl.Validate()).ToNot(Succeed())
		})

		It("rule which conflict with SSH on any protocol", func() {
			initRule(acl, ipv4CIDR, "", 22, IngressNodeACLDrop)
			err := acl.Validate()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("SSH"))
		})
	})

	Context("will allow", func() {
		It("allow rules on fail-safe ports", func() {
			initRule(acl, ipv4CIDR, "tcp", 22, IngressNodeACLAllow)
			Expect(acl.Validate()).To(Succeed())
		})

		It("drop rules on other ports", func() {
			initRule(acl, ipv4CIDR, "tcp", 23, IngressNodeACLDrop)
			Expect(acl.Validate()).To(Succeed())
		})

		It("drop rules on fail-safe ports of another protocol", func() {
			initRule(acl, ipv4CIDR, "sctp", 22, IngressNodeACLDrop)
			Expect(acl.Validate()).To(Succeed())
		})

		It("conflicting drop rules when fail-safe is disabled", func() {
			acl.Spec.FailSafe = false
			initRule(acl, ipv4CIDR, "tcp", 22, IngressNodeACLDrop)
			Expect(acl.Validate()).To(Succeed())
		})
	})
})

var _ = Describe("ToSpecs", func() {
	It("converts rules in order", func() {
		acl := getIngressNodeACL("convert")
		acl.Spec.Rules = []IngressNodeACLRule{
			{Protocol: "tcp", SourceCIDR: "10.0.0.0/8", DestinationPort: 443, Action: IngressNodeACLAllow},
			{DestinationCIDR: "192.0.2.1/32", SourcePort: 53, Action: IngressNodeACLDrop},
		}
		specs, err := acl.ToSpecs()
		Expect(err).NotTo(HaveOccurred())
		Expect(specs).To(Equal([]rules.Spec{
			{Protocol: 6, Source: rules.MustParsePrefix("10.0.0.0/8"), DestinationPort: 443},
			{Destination: rules.MustParsePrefix("192.0.2.1/32"), SourcePort: 53, Drop: true},
		}))
	})

	It("puts fail-safe rules first", func() {
		acl := getIngressNodeACL("failsafe")
		acl.Spec.FailSafe = true
		acl.Spec.Rules = []IngressNodeACLRule{{Action: IngressNodeACLDrop}}
		specs, err := acl.ToSpecs()
		Expect(err).NotTo(HaveOccurred())
		n := len(failsaferules.GetTCP()) + len(failsaferules.GetUDP())
		Expect(specs).To(HaveLen(n + 1))
		Expect(specs[:n]).To(Equal(failsaferules.Specs()))
		Expect(specs[n].Drop).To(BeTrue())
	})

	It("fails on an invalid rule", func() {
		acl := getIngressNodeACL("invalid")
		acl.Spec.Rules = []IngressNodeACLRule{{SourceCIDR: ipv6CIDR, Action: IngressNodeACLAllow}}
		_, err := acl.ToSpecs()
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Loading manifests", func() {
	const manifest = `
apiVersion: ingress-nodeacl.openshift.io/v1alpha1
kind: IngressNodeACL
metadata:
  name: example
spec:
  failSafe: true
  rules:
  - protocol: tcp
    sourceCIDR: 10.0.0.0/8
    destinationPort: 443
    action: allow
  - action: drop
    sourceCIDR: 172.16.0.0/12
`

	It("decodes YAML", func() {
		acl, err := Decode(strings.NewReader(manifest))
		Expect(err).NotTo(HaveOccurred())
		Expect(acl.Name).To(Equal("example"))
		Expect(acl.Spec.FailSafe).To(BeTrue())
		Expect(acl.Spec.Rules).To(HaveLen(2))
		Expect(acl.Spec.Rules[0].DestinationPort).To(Equal(uint16(443)))
		Expect(acl.Spec.Rules[1].Action).To(Equal(IngressNodeACLDrop))
	})

	It("decodes JSON", func() {
		acl, err := Decode(strings.NewReader(`{"apiVersion":"ingress-nodeacl.openshift.io/v1alpha1",` +
			`"kind":"IngressNodeACL","metadata":{"name":"json"},"spec":{"rules":[{"action":"allow"}]}}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(acl.Spec.Rules).To(HaveLen(1))
	})

	It("rejects other kinds", func() {
		_, err := Decode(strings.NewReader("apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: x\n"))
		Expect(err).To(HaveOccurred())
	})

	It("loads and validates a file", func() {
		dir, err := os.MkdirTemp("", "ingressnodeacl")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(dir)

		path := filepath.Join(dir, "rules.yaml")
		Expect(os.WriteFile(path, []byte(manifest), 0o600)).To(Succeed())
		acl, err := LoadFile(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(acl.Spec.Rules).To(HaveLen(2))

		bad := strings.Replace(manifest, "action: drop", "action: reject", 1)
		Expect(os.WriteFile(path, []byte(bad), 0o600)).To(Succeed())
		_, err = LoadFile(path)
		Expect(apierrors.IsInvalid(err)).To(BeTrue())

		_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Scheme", func() {
	It("registers the manifest types", func() {
		scheme := runtime.NewScheme()
		Expect(AddToScheme(scheme)).To(Succeed())
		obj, err := scheme.New(GroupVersion.WithKind(IngressNodeACLKind))
		Expect(err).NotTo(HaveOccurred())
		Expect(obj).To(BeAssignableToTypeOf(&IngressNodeACL{}))
	})

	It("deep copies status conditions", func() {
		acl := getIngressNodeACL("copy")
		acl.Status.Conditions = []metav1.Condition{{Type: "Available", Status: metav1.ConditionTrue}}
		cp := acl.DeepCopy()
		cp.Status.Conditions[0].Status = metav1.ConditionFalse
		Expect(acl.Status.Conditions[0].Status).To(Equal(metav1.ConditionTrue))
	})
})
