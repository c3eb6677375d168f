package modcd

import "os"

// geteuid is swapped in tests.
var geteuid = os.Geteuid

// requireRoot fails before any stage runs when we are not root. Mounting,
// chroot(2) and writing into the unpacked system all need it.
func requireRoot() error {
	if uid := geteuid(); uid != 0 {
		return &PrivilegeError{UID: uid}
	}
	return nil
}
