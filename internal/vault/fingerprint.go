package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/user"
	"runtime"
	"strings"
)

// Fingerprinter produces stable per-device key material for the vault's
// KDF. Implementations must return the same value across process restarts
// on the same device and must never persist or transmit it.
type Fingerprinter interface {
	Fingerprint() (string, error)
}

// machineIDPaths are the locations checked for a systemd/dbus machine ID.
var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// DeviceFingerprinter derives the fingerprint from the machine ID,
// hostname, and user ID. The specific signal set is an implementation
// detail behind the Fingerprinter interface; swapping it per platform does
// not touch the encryption contract.
type DeviceFingerprinter struct{}

// Fingerprint returns a hex-encoded SHA256 over the collected signals.
func (DeviceFingerprinter) Fingerprint() (string, error) {
	var signals []string

	if id := readMachineID(); id != "" {
		signals = append(signals, "machine:"+id)
	}

	hostname, err := os.Hostname()
	if err == nil && hostname != "" {
		signals = append(signals, "host:"+hostname)
	}

	if u, err := user.Current(); err == nil {
		signals = append(signals, "uid:"+u.Uid)
	}

	signals = append(signals, "os:"+runtime.GOOS)

	if len(signals) < 2 {
		return "", fmt.Errorf("insufficient device signals for fingerprint")
	}

	sum := sha256.Sum256([]byte(strings.Join(signals, "|")))
	return hex.EncodeToString(sum[:]), nil
}

func readMachineID() string {
	for _, path := range machineIDPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}
	return ""
}

// StaticFingerprinter returns a fixed fingerprint. Used by tests and as an
// escape hatch for platforms without usable machine signals.
type StaticFingerprinter string

// Fingerprint implements Fingerprinter.
func (s StaticFingerprinter) Fingerprint() (string, error) {
	if s == "" {
		return "", fmt.Errorf("empty static fingerprint")
	}
	return string(s), nil
}
