package controller

import (
	"github.com/evsemaster/evse-controller/internal/evse"
	"github.com/evsemaster/evse-controller/internal/models"
)

// Metadata keys for reported values without a dedicated column
const (
	metaHotLine         = "hot_line"
	metaFeature         = "feature"
	metaSupportNew      = "support_new"
	metaTemperatureUnit = "temperature_unit"
)

// applySnapshot copies identity, confirmed configuration and last contact
// into dev. Fields the device never reported keep their stored value.
func applySnapshot(dev *models.Device, snap evse.Snapshot) {
	info := snap.Info
	if info.Address != "" {
		dev.Address = info.Address
	}
	if info.Type != 0 || info.Brand != "" || info.Model != "" {
		dev.Type = int(info.Type)
		dev.Brand = info.Brand
		dev.Model = info.Model
		dev.HardwareVersion = info.HardwareVersion
		dev.MaxPower = int64(info.MaxPower)
		dev.MaxCurrent = int(info.MaxCurrent)
		dev.Phases = info.Phases
	}
	if info.SoftwareVersion != "" {
		dev.SoftwareVersion = info.SoftwareVersion
		setMeta(dev, metaFeature, info.Feature)
		setMeta(dev, metaSupportNew, info.SupportNew)
	}
	if info.HotLine != "" {
		setMeta(dev, metaHotLine, info.HotLine)
	}

	cfg := snap.Config
	if cfg.Name != "" {
		dev.Name = cfg.Name
	}
	if cfg.MaxCurrent != 0 {
		dev.ConfiguredCurrent = int(cfg.MaxCurrent)
	}
	if cfg.OfflineCharge != nil {
		v := *cfg.OfflineCharge
		dev.OfflineCharge = &v
	}
	if cfg.TemperatureUnit != "" {
		setMeta(dev, metaTemperatureUnit, cfg.TemperatureUnit)
	}

	if !snap.LastSeen.IsZero() {
		seen := snap.LastSeen
		dev.LastSeenAt = &seen
		if dev.FirstSeenAt == nil {
			first := seen
			dev.FirstSeenAt = &first
		}
	}
}

func setMeta(dev *models.Device, key string, value interface{}) {
	if dev.Metadata == nil {
		dev.Metadata = make(models.Variables)
	}
	dev.Metadata[key] = value
}

func infoFromDevice(dev *models.Device) evse.Info {
	info := evse.Info{
		Serial:          dev.Serial,
		Address:         dev.Address,
		Type:            byte(dev.Type),
		Brand:           dev.Brand,
		Model:           dev.Model,
		HardwareVersion: dev.HardwareVersion,
		SoftwareVersion: dev.SoftwareVersion,
		MaxPower:        uint32(dev.MaxPower),
		MaxCurrent:      byte(dev.MaxCurrent),
		Phases:          dev.Phases,
		HotLine:         dev.Metadata.GetString(metaHotLine),
		SupportNew:      dev.Metadata.GetBool(metaSupportNew),
	}
	if feature, ok := dev.Metadata.GetUint(metaFeature); ok {
		info.Feature = uint32(feature)
	}
	return info
}

func configFromDevice(dev *models.Device) evse.Config {
	cfg := evse.Config{
		Name:            dev.Name,
		MaxCurrent:      byte(dev.ConfiguredCurrent),
		TemperatureUnit: dev.Metadata.GetString(metaTemperatureUnit),
	}
	if dev.OfflineCharge != nil {
		v := *dev.OfflineCharge
		cfg.OfflineCharge = &v
	}
	return cfg
}
