package auth

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
)

func TestPermissionSetHas(t *testing.T) {
	ps := PermissionSet{PermissionIDMEFWrite, PermissionAdmin}

	if !ps.Has(PermissionAdmin) {
		t.Error("expected PermissionAdmin to be present")
	}
	if ps.Has(PermissionIDMEFRead) {
		t.Error("expected PermissionIDMEFRead to be absent")
	}
}

func TestDefaultPermissionDeriverReadsOrganizationalUnit(t *testing.T) {
	cert := &x509.Certificate{
		Subject:      pkix.Name{OrganizationalUnit: []string{"idmef:write", "admin"}},
		SerialNumber: big.NewInt(42),
	}

	perms, id, err := DefaultPermissionDeriver(cert)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !perms.Has(PermissionIDMEFWrite) || !perms.Has(PermissionAdmin) {
		t.Fatalf("got %v, want both idmef:write and admin", perms)
	}
	if id == 0 {
		t.Error("expected a non-zero analyzer id derived from the serial number")
	}
}

func TestDefaultPermissionDeriverFallsBackWhenNoOUPresent(t *testing.T) {
	cert := &x509.Certificate{SerialNumber: big.NewInt(1)}

	perms, _, err := DefaultPermissionDeriver(cert)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(perms) == 0 {
		t.Fatal("want a non-empty default permission set (invariant: accepted session has non-empty permissions)")
	}
}

func TestLocalResultGrantsNonEmptyPermissions(t *testing.T) {
	res := LocalResult()
	if len(res.Permissions) == 0 {
		t.Fatal("UNIX-domain peers must still carry a non-empty permission set")
	}
}
