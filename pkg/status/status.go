package status

import (
	ingressnodeaclv1alpha1 "github.com/openshift/ingress-node-acl/api/v1alpha1"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// RulesNotReadyError contains Error message
// explaining the reason why the rules of a node are not in effect.
type RulesNotReadyError struct {
	Message string
}

func (e RulesNotReadyError) Error() string { return e.Message }

func (e RulesNotReadyError) Is(target error) bool {
	_, ok := target.(*RulesNotReadyError)
	return ok
}

const (
	// ConditionAvailable means the rules of the manifest are the ones classifying traffic.
	ConditionAvailable = "Available"
	// ConditionProgressing means the manifest is being validated and compiled.
	ConditionProgressing = "Progressing"
	// ConditionDegraded means the manifest could not be applied, the previous rules are still in
	// effect.
	ConditionDegraded = "Degraded"
)

// Update sets the status conditions of the manifest. Transition times are kept for conditions whose
// status does not change. It returns true if any condition changed.
func Update(acl *ingressnodeaclv1alpha1.IngressNodeACL, condition string, reason string, message string) bool {
	changed := false
	for _, c := range getConditions(condition, reason, message) {
		existing := meta.FindStatusCondition(acl.Status.Conditions, c.Type)
		if existing == nil || existing.Status != c.Status || existing.Reason != c.Reason || existing.Message != c.Message {
			changed = true
		}
		meta.SetStatusCondition(&acl.Status.Conditions, c)
	}
	return changed
}

// getConditions based on the passed in condition it will update the status template
// Status field.
func getConditions(condition string, reason string, message string) []metav1.Condition {
	conditions := getBaseConditions()
	switch condition {
	case ConditionAvailable:
		conditions[0].Status = metav1.ConditionTrue
	case ConditionProgressing:
		conditions[1].Status = metav1.ConditionTrue
		conditions[1].Reason = reason
		conditions[1].Message = message
	case ConditionDegraded:
		conditions[2].Status = metav1.ConditionTrue
		conditions[2].Reason = reason
		conditions[2].Message = message
	}
	return conditions
}

// getBaseConditions return a template list for conditions.
func getBaseConditions() []metav1.Condition {
	return []metav1.Condition{
		{
			Type:   ConditionAvailable,
			Status: metav1.ConditionFalse,
			Reason: ConditionAvailable,
		},
		{
			Type:   ConditionProgressing,
			Status: metav1.ConditionFalse,
			Reason: ConditionProgressing,
		},
		{
			Type:   ConditionDegraded,
			Status: metav1.ConditionFalse,
			Reason: ConditionDegraded,
		},
	}
}

// IsAvailable checks if the rules of the manifest are in effect.
func IsAvailable(acl *ingressnodeaclv1alpha1.IngressNodeACL) error {
	if acl == nil {
		return RulesNotReadyError{Message: "no IngressNodeACL manifest has been applied"}
	}
	if meta.IsStatusConditionTrue(acl.Status.Conditions, ConditionAvailable) {
		return nil
	}
	if c := meta.FindStatusCondition(acl.Status.Conditions, ConditionDegraded); c != nil && c.Status == metav1.ConditionTrue {
		return errors.Wrapf(RulesNotReadyError{Message: c.Message}, "IngressNodeACL %s is degraded (%s)", acl.Name, c.Reason)
	}
	return RulesNotReadyError{Message: "IngressNodeACL " + acl.Name + " rules not in effect"}
}
