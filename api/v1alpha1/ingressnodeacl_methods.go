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
	"io"
	"net/netip"
	"os"

	"github.com/openshift/ingress-node-acl/pkg/failsaferules"
	"github.com/openshift/ingress-node-acl/pkg/rules"
	"github.com/openshift/ingress-node-acl/pkg/utils"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/yaml"
)

// ToSpecs converts the manifest into rule specs in priority order, fail-safe rules first when enabled.
func (in *IngressNodeACL) ToSpecs() ([]rules.Spec, error) {
	var specs []rules.Spec
	if in.Spec.FailSafe {
		specs = append(specs, failsaferules.Specs()...)
	}
	for i, r := range in.Spec.Rules {
		s, err := r.ToSpec()
		if err != nil {
			return nil, errors.Wrapf(err, "rule %d", i)
		}
		specs = append(specs, s)
	}
	return specs, nil
}

// ToSpec converts a single rule.
func (r IngressNodeACLRule) ToSpec() (rules.Spec, error) {
	proto, err := utils.ParseProtocol(r.Protocol)
	if err != nil {
		return rules.Spec{}, err
	}
	src, err := parsePrefix(r.SourceCIDR)
	if err != nil {
		return rules.Spec{}, errors.Wrapf(err, "sourceCIDR")
	}
	dst, err := parsePrefix(r.DestinationCIDR)
	if err != nil {
		return rules.Spec{}, errors.Wrapf(err, "destinationCIDR")
	}
	var drop bool
	switch r.Action {
	case IngressNodeACLAllow:
	case IngressNodeACLDrop:
		drop = true
	default:
		return rules.Spec{}, errors.Wrapf(rules.ErrInvalidSpec, "unknown action %q", r.Action)
	}
	return rules.Spec{
		Protocol:        proto,
		Source:          src,
		Destination:     dst,
		SourcePort:      r.SourcePort,
		DestinationPort: r.DestinationPort,
		Drop:            drop,
	}, nil
}

func parsePrefix(cidr string) (rules.Prefix, error) {
	if cidr == "" {
		return rules.AnyPrefix, nil
	}
	p, err := netip.ParsePrefix(cidr)
	if err != nil {
		return rules.Prefix{}, err
	}
	return rules.PrefixFrom(p)
}

// Decode reads a single IngressNodeACL manifest in YAML or JSON.
func Decode(r io.Reader) (*IngressNodeACL, error) {
	acl := &IngressNodeACL{}
	if err := yaml.NewYAMLOrJSONDecoder(r, 4096).Decode(acl); err != nil {
		return nil, errors.Wrap(err, "could not decode manifest")
	}
	if acl.APIVersion != GroupVersion.String() || acl.Kind != IngressNodeACLKind {
		return nil, errors.Errorf("expected %s %s but got %q %q",
			GroupVersion.String(), IngressNodeACLKind, acl.APIVersion, acl.Kind)
	}
	return acl, nil
}

// LoadFile reads and validates the manifest at path.
func LoadFile(path string) (*IngressNodeACL, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open manifest %s", path)
	}
	defer f.Close()

	acl, err := Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "manifest %s", path)
	}
	if err := acl.Validate(); err != nil {
		return nil, err
	}
	return acl, nil
}
