// Package auth drives the TLS handshake on an accepted connection and
// derives a permission set from the peer certificate, per spec.md §4.3.
//
// The original C implementation manually pumps a non-blocking GNUTLS
// handshake loop, re-arming read/write interest on the reactor after every
// partial step. Go's crypto/tls.Handshake performs the full multi-round
// negotiation in one call, driving the underlying (blocking) net.Conn
// itself; that is the idiomatic equivalent here, and it is safe to run on
// the session's dedicated per-client goroutine (internal/reactor) since
// that goroutine's entire job is to block on IO and never touches the
// bounded worker pool.
package auth

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/prelude-ids/manager/internal/ioadapter"
)

// Permission is one capability a sensor's certificate may grant.
type Permission string

const (
	PermissionIDMEFRead  Permission = "idmef:read"
	PermissionIDMEFWrite Permission = "idmef:write"
	PermissionAdmin      Permission = "admin"
)

// PermissionSet is the permission-set carried by an accepted client
// session. spec.md §3's invariant — "an accepted session has a non-empty
// permission-set" — is enforced by Handshake never returning an empty
// set on success.
type PermissionSet []Permission

// Has reports whether p grants the given permission.
func (p PermissionSet) Has(perm Permission) bool {
	for _, have := range p {
		if have == perm {
			return true
		}
	}
	return false
}

// ErrRejected is returned when the handshake completed but the peer's
// identity or permissions were rejected (spec.md §7 AuthRejected).
var ErrRejected = errors.New("auth: peer rejected")

// PermissionDeriver extracts a PermissionSet and an analyzer identifier
// from a verified peer certificate. Real deployments decode a
// Prelude-specific certificate extension; this package ships
// DefaultPermissionDeriver, which maps certificate Subject.OrganizationalUnit
// values onto Permission names, as a workable stand-in.
type PermissionDeriver func(cert *x509.Certificate) (PermissionSet, uint64, error)

// DefaultPermissionDeriver reads OU values as permission names and hashes
// the certificate's serial number into an analyzer id.
func DefaultPermissionDeriver(cert *x509.Certificate) (PermissionSet, uint64, error) {
	var perms PermissionSet
	for _, ou := range cert.Subject.OrganizationalUnit {
		perms = append(perms, Permission(ou))
	}
	if len(perms) == 0 {
		perms = PermissionSet{PermissionIDMEFWrite}
	}

	var id uint64
	if cert.SerialNumber != nil {
		bits := cert.SerialNumber.Bits()
		for _, w := range bits {
			id = id<<8 ^ uint64(w)
		}
	}

	return perms, id, nil
}

// Authenticator drives TLS handshakes for non-UNIX listeners.
type Authenticator struct {
	TLSConfig         *tls.Config
	DerivePermissions PermissionDeriver
	HandshakeTimeout  time.Duration
}

// New builds an Authenticator. tlsConfig must already require and verify
// client certificates (spec.md §6 "mandatory on non-UNIX sockets, mutual
// authentication").
func New(tlsConfig *tls.Config, derive PermissionDeriver) *Authenticator {
	if derive == nil {
		derive = DefaultPermissionDeriver
	}
	return &Authenticator{
		TLSConfig:         tlsConfig,
		DerivePermissions: derive,
		HandshakeTimeout:  30 * time.Second,
	}
}

// Result carries what the session needs after a successful handshake.
type Result struct {
	AnalyzerID  uint64
	Permissions PermissionSet
}

// Handshake drives the mutual-TLS handshake through h and derives the
// peer's permission set. A non-nil error is always fatal to the session;
// the caller sends the AUTH{FAILED} wire message before closing.
func (a *Authenticator) Handshake(h ioadapter.TLSHandle) (Result, error) {
	deadline := time.Now().Add(a.HandshakeTimeout)
	if err := h.Handshake(deadline); err != nil {
		return Result{}, fmt.Errorf("%w: handshake failed: %v", ErrRejected, err)
	}

	state := h.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return Result{}, fmt.Errorf("%w: no peer certificate presented", ErrRejected)
	}

	perms, analyzerID, err := a.DerivePermissions(state.PeerCertificates[0])
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if len(perms) == 0 {
		return Result{}, fmt.Errorf("%w: empty permission set", ErrRejected)
	}

	return Result{AnalyzerID: analyzerID, Permissions: perms}, nil
}

// LocalResult is what a UNIX-domain peer is granted: encryption is never
// used on that transport (spec.md §1), so there is no certificate to
// derive permissions from. The operator-trusted filesystem path is the
// security boundary (spec.md §6).
func LocalResult() Result {
	return Result{AnalyzerID: 0, Permissions: PermissionSet{PermissionAdmin}}
}
