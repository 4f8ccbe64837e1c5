package models

import (
	"time"

	"github.com/evsemaster/evse-controller/pkg/emproto"
)

// Device is a known EVSE. Identity and configuration are the last values
// confirmed by the device.
type Device struct {
	Serial    emproto.Serial `json:"serial" db:"serial"`
	CreatedAt time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time      `json:"updatedAt" db:"updated_at"`

	Address         string `json:"address" db:"address"`
	Type            int    `json:"type" db:"type"`
	Brand           string `json:"brand" db:"brand"`
	Model           string `json:"model" db:"model"`
	HardwareVersion string `json:"hardwareVersion" db:"hardware_version"`
	SoftwareVersion string `json:"softwareVersion" db:"software_version"`
	MaxPower        int64  `json:"maxPower" db:"max_power"`
	MaxCurrent      int    `json:"maxCurrent" db:"max_current"`
	Phases          int    `json:"phases" db:"phases"`

	Name              string `json:"name" db:"name"`
	ConfiguredCurrent int    `json:"configuredCurrent" db:"configured_current"`
	OfflineCharge     *bool  `json:"offlineCharge,omitempty" db:"offline_charge"`

	// PasswordCipher is the AES-GCM sealed device password, empty when none
	// is stored
	PasswordCipher []byte `json:"-" db:"password_cipher"`

	FirstSeenAt *time.Time `json:"firstSeenAt,omitempty" db:"first_seen_at"`
	LastSeenAt  *time.Time `json:"lastSeenAt,omitempty" db:"last_seen_at"`

	Metadata Variables `json:"metadata,omitempty" db:"metadata"`
}

// HasPassword reports whether a sealed password is stored
func (d *Device) HasPassword() bool {
	return len(d.PasswordCipher) > 0
}
