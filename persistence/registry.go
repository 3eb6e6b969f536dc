// Package persistence implements C10: replaying previously-attached
// devices on startup, with the bounded-retry/backoff schedule of
// spec.md §4.10, and the storage backing SET_PERSISTENT/GET_PERSISTENT
// (spec.md §6).
package persistence

import (
	"strings"

	"github.com/efficientgo/core/errors"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/usbip-go/vhci-core/device"
)

// Registry is the narrow consumed interface spec.md §6 calls out:
// "Registry: read_multi_string(key, value) -> [str]". The Windows
// registry has no equivalent on this platform; ViperStore backs it with
// a YAML list under viper's config search path instead.
type Registry interface {
	ReadMultiString(key string) ([]string, error)
	WriteMultiString(key string, values []string) error
}

// ViperStore is the production Registry, backed by a single viper key
// holding a list of "host,service,busid" strings, decoded the way the
// teacher's getConfiguredDevices decodes device specs with mapstructure.
type ViperStore struct {
	v *viper.Viper
}

// NewViperStore wraps v (already configured with a config file path and
// name by the caller, matching the teacher's initConfig).
func NewViperStore(v *viper.Viper) *ViperStore {
	return &ViperStore{v: v}
}

func (s *ViperStore) ReadMultiString(key string) ([]string, error) {
	raw := s.v.Get(key)
	if raw == nil {
		return nil, nil
	}
	var lines []string
	if err := mapstructure.Decode(raw, &lines); err != nil {
		return nil, errors.Wrapf(err, "failed to decode persisted value for key %q", key)
	}
	return lines, nil
}

func (s *ViperStore) WriteMultiString(key string, values []string) error {
	s.v.Set(key, values)
	if err := s.v.WriteConfig(); err != nil {
		return errors.Wrapf(err, "failed to persist key %q", key)
	}
	return nil
}

// Line is one parsed "host,service,busid" entry.
type Line struct {
	Location device.Location
}

// ParseLines splits a multi-string registry value into Locations,
// silently dropping malformed lines per spec.md §4.10.
func ParseLines(raw []string) []Line {
	out := make([]Line, 0, len(raw))
	for _, l := range raw {
		parts := strings.Split(l, ",")
		if len(parts) != 3 {
			continue
		}
		host, service, busid := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), strings.TrimSpace(parts[2])
		if host == "" || service == "" || busid == "" {
			continue
		}
		out = append(out, Line{Location: device.Location{Host: host, Service: service, BusID: busid}})
	}
	return out
}

// FormatLine is the inverse of ParseLines' per-line format, used when
// persisting a freshly attached device.
func FormatLine(loc device.Location) string {
	return loc.Host + "," + loc.Service + "," + loc.BusID
}
