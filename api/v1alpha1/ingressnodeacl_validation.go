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
	"fmt"
	"net/netip"

	"github.com/openshift/ingress-node-acl/pkg/failsaferules"
	"github.com/openshift/ingress-node-acl/pkg/utils"

	"golang.org/x/sys/unix"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// Validate checks the manifest and returns an Invalid API error listing every problem found.
func (in *IngressNodeACL) Validate() error {
	if allErrs := validateACLRules(in.Spec, in.Name); len(allErrs) > 0 {
		return apierrors.NewInvalid(
			schema.GroupKind{Group: GroupVersion.Group, Kind: IngressNodeACLKind},
			in.Name, allErrs)
	}
	return nil
}

func validateACLRules(spec IngressNodeACLSpec, aclName string) field.ErrorList {
	var allErrs field.ErrorList
	rulesPath := field.NewPath("spec").Child("rules")
	if len(spec.Rules) > MaxManifestRules {
		allErrs = append(allErrs, field.TooMany(rulesPath, len(spec.Rules), MaxManifestRules))
		return allErrs
	}
	for ruleIndex, rule := range spec.Rules {
		allErrs = append(allErrs, validateRule(rule, spec.FailSafe, rulesPath.Index(ruleIndex), aclName)...)
	}
	return allErrs
}

func validateRule(rule IngressNodeACLRule, failSafe bool, path *field.Path, aclName string) field.ErrorList {
	var allErrs field.ErrorList

	proto, err := utils.ParseProtocol(rule.Protocol)
	if err != nil {
		allErrs = append(allErrs, field.Invalid(path.Child("protocol"), rule.Protocol, err.Error()))
	}
	if isValid, reason := validateCIDR(rule.SourceCIDR); !isValid {
		allErrs = append(allErrs, field.Invalid(path.Child("sourceCIDR"), rule.SourceCIDR,
			fmt.Sprintf("must be a valid IPV4 CIDR: %s", reason)))
	}
	if isValid, reason := validateCIDR(rule.DestinationCIDR); !isValid {
		allErrs = append(allErrs, field.Invalid(path.Child("destinationCIDR"), rule.DestinationCIDR,
			fmt.Sprintf("must be a valid IPV4 CIDR: %s", reason)))
	}

	switch rule.Action {
	case IngressNodeACLAllow:
	case IngressNodeACLDrop:
		if failSafe && err == nil {
			if conflict := conflictsWithFailSafe(proto, rule.DestinationPort); conflict != "" {
				allErrs = append(allErrs, field.Forbidden(path,
					fmt.Sprintf("rule is in conflict with access to %s", conflict)))
			}
		}
	default:
		allErrs = append(allErrs, field.NotSupported(path.Child("action"), rule.Action,
			[]string{string(IngressNodeACLAllow), string(IngressNodeACLDrop)}))
	}
	return allErrs
}

// conflictsWithFailSafe returns the service a drop rule for proto/port would cut off, if any. A
// wildcard protocol is checked against every transport protocol.
func conflictsWithFailSafe(proto uint8, port uint16) string {
	if port == 0 {
		return ""
	}
	protos := []uint8{proto}
	if proto == 0 {
		protos = []uint8{unix.IPPROTO_TCP, unix.IPPROTO_UDP}
	}
	for _, p := range protos {
		if r, ok := failsaferules.IsPinhole(p, port); ok {
			return r.GetServiceName()
		}
	}
	return ""
}

func validateCIDR(cidr string) (bool, string) {
	if cidr == "" {
		return true, ""
	}
	p, err := netip.ParsePrefix(cidr)
	if err != nil {
		return false, err.Error()
	}
	if !p.Addr().Is4() {
		return false, "only IPv4 is supported"
	}
	return true, ""
}
