// Package slotkv is a typed, read-only accessor over the externally-owned
// slot key-value store (spec §6's "Slot KV keys consumed"). The store itself
// is out of scope; this package only knows the key names and how to shape
// them into the structs the rest of the agent consumes.
package slotkv

// Key names exactly as they appear in the external store, bit-exact with
// spec §6 so existing deployments need no migration.
const (
	KeyActive = "nerves_fw_active"

	keyUUIDSuffix         = ".nerves_fw_uuid"
	keyValidatedSuffix    = ".nerves_fw_validated"
	keyPlatformSuffix     = ".nerves_fw_platform"
	keyArchitectureSuffix = ".nerves_fw_architecture"

	KeyDevicePath = "nerves_fw_devpath"

	KeySharedSecretPrefix = "nh_shared_"

	KeyLocalCert = "nerves_hub_cert"
	KeyLocalKey  = "nerves_hub_key"
)

// Store is the minimal read interface the agent needs from the external KV
// store. Implementations are supplied by the host application.
type Store interface {
	Get(key string) (string, bool)
}

// Snapshot is one slot's worth of firmware metadata as reported to the
// server on every JOIN (spec §4.1 step 4).
type Snapshot struct {
	Slot         string
	UUID         string
	Validated    bool
	Platform     string
	Architecture string
}

// ReadSnapshot reads the <slot>.nerves_fw_* keys for the named slot.
func ReadSnapshot(store Store, slot string) Snapshot {
	snap := Snapshot{Slot: slot}
	snap.UUID, _ = store.Get(slot + keyUUIDSuffix)
	snap.Platform, _ = store.Get(slot + keyPlatformSuffix)
	snap.Architecture, _ = store.Get(slot + keyArchitectureSuffix)
	if v, ok := store.Get(slot + keyValidatedSuffix); ok {
		snap.Validated = v == "true" || v == "1"
	}
	return snap
}

// ActiveSlot returns the currently active slot name, or "" if unset.
func ActiveSlot(store Store) string {
	v, _ := store.Get(KeyActive)
	return v
}

// FirmwareValidated reports whether the active slot has been validated.
func FirmwareValidated(store Store) bool {
	active := ActiveSlot(store)
	if active == "" {
		return false
	}
	return ReadSnapshot(store, active).Validated
}

// FirmwareAutoRevertDetected reports whether the bootloader fell back to an
// unvalidated active slot (spec §5's trigger for the FirmwareReverted alarm).
// The consumed key set has no dedicated revert flag, so this is derived from
// the same validated bit FirmwareValidated reads: an active slot that never
// got marked validated is, by definition, one the bootloader reverted away
// from trying.
func FirmwareAutoRevertDetected(store Store) bool {
	if ActiveSlot(store) == "" {
		return false
	}
	return !FirmwareValidated(store)
}

// DevicePath returns the configured firmware device path, if the store
// carries one (it may instead come from static Config).
func DevicePath(store Store) (string, bool) {
	return store.Get(KeyDevicePath)
}

// LocalCertAndKey returns the locally-provisioned mutual-TLS cert/key PEM
// blobs, when present in the store rather than on disk.
func LocalCertAndKey(store Store) (cert string, key string, ok bool) {
	cert, certOK := store.Get(KeyLocalCert)
	key, keyOK := store.Get(KeyLocalKey)
	return cert, key, certOK && keyOK
}

// SharedSecretValue reads one of the nh_shared_* keys by its suffix (e.g.
// "secret", "key_id").
func SharedSecretValue(store Store, suffix string) (string, bool) {
	return store.Get(KeySharedSecretPrefix + suffix)
}
