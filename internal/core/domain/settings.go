package domain

import (
	"errors"
	"math"
)

const (
	MinMicGainDB = -20
	MaxMicGainDB = 20

	settingsVersion    = 1
	SettingsRecordSize = 4

	flagAutoAnswer = 1 << 0
	flagAEC        = 1 << 1
)

var ErrSettingsRecord = errors.New("invalid settings record")

// Settings are the user-adjustable call parameters.
type Settings struct {
	Volume     float64 `json:"volume"`      // 0..1
	MicGainDB  int     `json:"mic_gain_db"` // -20..20
	AutoAnswer bool    `json:"auto_answer"`
	AEC        bool    `json:"aec"`
}

// DefaultSettings returns unity volume and gain with the given toggles.
func DefaultSettings(autoAnswer, aec bool) Settings {
	return Settings{Volume: 1, MicGainDB: 0, AutoAnswer: autoAnswer, AEC: aec}
}

// Normalize clamps all fields into their valid ranges.
func (s Settings) Normalize() Settings {
	if math.IsNaN(s.Volume) {
		s.Volume = 1
	}
	s.Volume = min(max(s.Volume, 0), 1)
	s.MicGainDB = min(max(s.MicGainDB, MinMicGainDB), MaxMicGainDB)
	return s
}

// MarshalBinary encodes the settings as {version, volume_pct, gain_db, flags}.
func (s Settings) MarshalBinary() ([]byte, error) {
	s = s.Normalize()
	var flags byte
	if s.AutoAnswer {
		flags |= flagAutoAnswer
	}
	if s.AEC {
		flags |= flagAEC
	}
	return []byte{
		settingsVersion,
		byte(math.Round(s.Volume * 100)),
		byte(int8(s.MicGainDB)),
		flags,
	}, nil
}

// UnmarshalBinary decodes a record written by MarshalBinary.
func (s *Settings) UnmarshalBinary(b []byte) error {
	if len(b) != SettingsRecordSize || b[0] != settingsVersion {
		return ErrSettingsRecord
	}
	*s = Settings{
		Volume:     float64(b[1]) / 100,
		MicGainDB:  int(int8(b[2])),
		AutoAnswer: b[3]&flagAutoAnswer != 0,
		AEC:        b[3]&flagAEC != 0,
	}.Normalize()
	return nil
}
