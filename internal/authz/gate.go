// Package authz defines the capability checks consumed by the
// fulfillment core. The core only ever asks the Gate interface; the
// role-table implementation here mirrors the hospital's staff roles and
// can be swapped for a directory-backed one without touching the core.
package authz

import (
	"github.com/hospimed/go-dispense/internal/domain/prescription"
)

// Role is a hospital staff role.
type Role string

const (
	RolePhysician       Role = "PHYSICIAN"
	RolePatientServices Role = "PATIENT_SERVICES"
	RolePharmacy        Role = "PHARMACY"
	RoleCompounding     Role = "COMPOUNDING"
	RoleAdmin           Role = "ADMIN"
)

// Actor is an authenticated staff member performing an operation.
type Actor struct {
	ID   string
	Name string
	Role Role
}

// Gate answers capability questions about an actor. Implementations must
// be pure and side-effect free; the core calls them inside transactions.
type Gate interface {
	CanPrescribe(a Actor) bool
	CanValidate(a Actor) bool
	CanDispense(a Actor, t prescription.Type) bool
	CanCancel(a Actor) bool
}

// RoleGate is the static role table: physicians prescribe, patient
// services validates and cancels, pharmacy staff dispense pharmacy
// prescriptions, compounding staff dispense compounded ones, admin does
// everything.
type RoleGate struct{}

func NewRoleGate() RoleGate { return RoleGate{} }

func (RoleGate) CanPrescribe(a Actor) bool {
	return a.Role == RolePhysician || a.Role == RolePatientServices || a.Role == RoleAdmin
}

func (RoleGate) CanValidate(a Actor) bool {
	return a.Role == RolePatientServices || a.Role == RoleAdmin
}

func (RoleGate) CanDispense(a Actor, t prescription.Type) bool {
	switch a.Role {
	case RoleAdmin:
		return true
	case RolePharmacy:
		return t == prescription.TypePharmacy
	case RoleCompounding:
		return t == prescription.TypeCompounding
	default:
		return false
	}
}

func (RoleGate) CanCancel(a Actor) bool {
	return a.Role == RolePatientServices || a.Role == RoleAdmin
}
