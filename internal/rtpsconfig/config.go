// Package rtpsconfig holds the participant-level configuration for the
// liveliness subsystem: default QoS durations, manager capacity, the
// secure-pair switch, and the metrics namespace.
package rtpsconfig

import (
	"errors"
	"time"

	"github.com/malbeclabs/rtps-liveliness/internal/rtps/liveliness"
	"github.com/malbeclabs/rtps-liveliness/internal/rtps/rtpstypes"
)

// Default announcement/lease timings, chosen to match common RTPS
// vendor defaults: a 3x lease-to-announcement-period ratio gives two
// missed assertions of slack before a writer is declared not-alive.
const (
	DefaultAnnouncementPeriod = time.Second
	DefaultLeaseDuration      = 3 * time.Second
)

// Config controls one participant's WLP instance.
type Config struct {
	// ParticipantPrefix identifies this participant's GUID prefix. Must
	// be set explicitly; there is no meaningful default.
	ParticipantPrefix rtpstypes.GUIDPrefix

	// IsLivelinessProtected gates construction of the secure built-in
	// endpoint pair.
	IsLivelinessProtected bool

	// DefaultAnnouncementPeriod / DefaultLeaseDuration are default writer
	// QoS timings, filled in and checked by Validate. The demo binary does
	// not read them; it takes its writer timings from its own flags.
	DefaultAnnouncementPeriod time.Duration
	DefaultLeaseDuration      time.Duration

	// ManagerMaxRecords bounds each Liveliness Manager's tracked-record
	// table; 0 selects liveliness.DefaultMaxRecords.
	ManagerMaxRecords int

	// MetricsNamespace is the Prometheus namespace applied to every
	// collector registered by this participant.
	MetricsNamespace string
}

// Validate fills defaults and enforces constraints, in place, returning
// a descriptive error when a required field is missing or invalid.
func (c *Config) Validate() error {
	if c.ParticipantPrefix == (rtpstypes.GUIDPrefix{}) {
		return errors.New("rtpsconfig: participant prefix is required")
	}
	if c.DefaultAnnouncementPeriod == 0 {
		c.DefaultAnnouncementPeriod = DefaultAnnouncementPeriod
	}
	if c.DefaultAnnouncementPeriod < 0 {
		return errors.New("rtpsconfig: default announcement period must be greater than 0")
	}
	if c.DefaultLeaseDuration == 0 {
		c.DefaultLeaseDuration = DefaultLeaseDuration
	}
	if c.DefaultLeaseDuration < 0 {
		return errors.New("rtpsconfig: default lease duration must be greater than 0")
	}
	if c.DefaultLeaseDuration < c.DefaultAnnouncementPeriod {
		return errors.New("rtpsconfig: lease duration must be >= announcement period")
	}
	if c.ManagerMaxRecords == 0 {
		c.ManagerMaxRecords = liveliness.DefaultMaxRecords
	}
	if c.ManagerMaxRecords < 0 {
		return errors.New("rtpsconfig: manager max records must be greater than or equal to 0")
	}
	if c.MetricsNamespace == "" {
		c.MetricsNamespace = "rtps_liveliness"
	}
	return nil
}
