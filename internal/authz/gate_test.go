package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hospimed/go-dispense/internal/domain/prescription"
)

func TestRoleGate(t *testing.T) {
	gate := NewRoleGate()

	actor := func(r Role) Actor { return Actor{ID: "a-1", Role: r} }

	t.Run("prescribe", func(t *testing.T) {
		assert.True(t, gate.CanPrescribe(actor(RolePhysician)))
		assert.True(t, gate.CanPrescribe(actor(RolePatientServices)))
		assert.True(t, gate.CanPrescribe(actor(RoleAdmin)))
		assert.False(t, gate.CanPrescribe(actor(RolePharmacy)))
		assert.False(t, gate.CanPrescribe(actor(RoleCompounding)))
	})

	t.Run("validate and cancel", func(t *testing.T) {
		for _, check := range []func(Actor) bool{gate.CanValidate, gate.CanCancel} {
			assert.True(t, check(actor(RolePatientServices)))
			assert.True(t, check(actor(RoleAdmin)))
			assert.False(t, check(actor(RolePhysician)))
			assert.False(t, check(actor(RolePharmacy)))
		}
	})

	t.Run("dispense is scoped by prescription type", func(t *testing.T) {
		assert.True(t, gate.CanDispense(actor(RolePharmacy), prescription.TypePharmacy))
		assert.False(t, gate.CanDispense(actor(RolePharmacy), prescription.TypeCompounding))

		assert.True(t, gate.CanDispense(actor(RoleCompounding), prescription.TypeCompounding))
		assert.False(t, gate.CanDispense(actor(RoleCompounding), prescription.TypePharmacy))

		assert.True(t, gate.CanDispense(actor(RoleAdmin), prescription.TypePharmacy))
		assert.True(t, gate.CanDispense(actor(RoleAdmin), prescription.TypeCompounding))

		assert.False(t, gate.CanDispense(actor(RolePhysician), prescription.TypePharmacy))
	})

	t.Run("unknown role gets nothing", func(t *testing.T) {
		nobody := Actor{ID: "x", Role: Role("JANITOR")}
		assert.False(t, gate.CanPrescribe(nobody))
		assert.False(t, gate.CanValidate(nobody))
		assert.False(t, gate.CanDispense(nobody, prescription.TypePharmacy))
		assert.False(t, gate.CanCancel(nobody))
	})
}
