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
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// IngressNodeACLKind is the kind of rule manifests.
const IngressNodeACLKind = "IngressNodeACL"

// MaxManifestRules bounds the number of rules in one manifest. Fail-safe rules come on top.
const MaxManifestRules = 10000

// IngressNodeACLActionType indicates whether a rule allows or drops traffic
// +kubebuilder:validation:Enum="allow";"drop"
type IngressNodeACLActionType string

const (
	IngressNodeACLAllow IngressNodeACLActionType = "allow"
	IngressNodeACLDrop  IngressNodeACLActionType = "drop"
)

// IngressNodeACLRule matches packets on their 5-tuple. Empty or zero fields match anything.
type IngressNodeACLRule struct {
	// Protocol is a protocol name (any, icmp, icmpv6, tcp, udp, sctp) or an IP protocol number.
	// +optional
	Protocol string `json:"protocol,omitempty"`

	// SourceCIDR is the IPv4 CIDR packets must come from.
	// +optional
	SourceCIDR string `json:"sourceCIDR,omitempty"`

	// DestinationCIDR is the IPv4 CIDR packets must be sent to.
	// +optional
	DestinationCIDR string `json:"destinationCIDR,omitempty"`

	// +kubebuilder:validation:Maximum:=65535
	// +optional
	SourcePort uint16 `json:"sourcePort,omitempty"`

	// +kubebuilder:validation:Maximum:=65535
	// +optional
	DestinationPort uint16 `json:"destinationPort,omitempty"`

	// Action can be allow or drop.
	// +kubebuilder:validation:Required
	Action IngressNodeACLActionType `json:"action"`
}

// IngressNodeACLSpec defines the desired rule set of a node
type IngressNodeACLSpec struct {
	// FailSafe places allow rules for the node's management ports ahead of all other rules.
	// +optional
	FailSafe bool `json:"failSafe,omitempty"`

	// Rules in priority order: the first matching rule decides.
	// An empty list drops all traffic.
	// +optional
	Rules []IngressNodeACLRule `json:"rules"`
}

// IngressNodeACLStatus defines the observed state of IngressNodeACL
type IngressNodeACLStatus struct {
	Conditions []metav1.Condition `json:"conditions,omitempty"`

	// RuleCount is the number of rules in effect, fail-safe rules included.
	// +optional
	RuleCount int `json:"ruleCount,omitempty"`
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status
//+kubebuilder:resource:scope=Cluster

// IngressNodeACL is the Schema for the ingressnodeacls API
type IngressNodeACL struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   IngressNodeACLSpec   `json:"spec,omitempty"`
	Status IngressNodeACLStatus `json:"status,omitempty"`
}

//+kubebuilder:object:root=true

// IngressNodeACLList contains a list of IngressNodeACL
type IngressNodeACLList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []IngressNodeACL `json:"items"`
}

func init() {
	SchemeBuilder.Register(&IngressNodeACL{}, &IngressNodeACLList{})
}
