// Package volume implements the volume manager: it routes
// `\<driver_id>\<volume_index>\<path>` requests to the mounted FAT driver
// that owns them, and aggregates enumeration and free-space queries across
// every mounted volume.
package volume

import (
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/pfcgroot/gofat/fat"
	"github.com/pfcgroot/gofat/ioerrors"
)

// Volume pairs a mounted driver with the identity it's addressed by.
type Volume struct {
	DriverID string // e.g. "ATA", "FAT", "FAT32" -- matches blockdev.BlockDevice.DriverID
	Index    byte   // single ASCII digit, '0'..'9'
	Driver   *fat.Driver
}

// key is how Manager indexes mounted volumes internally.
type key struct {
	driverID string
	index    byte
}

// Manager routes path-prefixed requests across every volume registered
// with it. It holds no locks of its own; the single-threaded contract of
// the underlying fat.Driver applies here too.
type Manager struct {
	volumes map[key]*Volume
}

// NewManager returns an empty volume manager.
func NewManager() *Manager {
	return &Manager{volumes: make(map[key]*Volume)}
}

// Register adds a mounted driver under (driverID, index). It replaces
// anything previously registered at the same key.
func (m *Manager) Register(driverID string, index byte, driver *fat.Driver) {
	m.volumes[key{driverID, index}] = &Volume{DriverID: driverID, Index: index, Driver: driver}
}

// Unregister drops (driverID, index) without unmounting it; the caller is
// responsible for calling Unmount on the driver first if needed.
func (m *Manager) Unregister(driverID string, index byte) {
	delete(m.volumes, key{driverID, index})
}

// Volumes returns every registered volume, in no particular order.
func (m *Manager) Volumes() []*Volume {
	out := make([]*Volume, 0, len(m.volumes))
	for _, v := range m.volumes {
		out = append(out, v)
	}
	return out
}

// route splits a `\<driver_id>\<volume_index>\<path>` path into its driver
// and the remaining driver-relative path.
func (m *Manager) route(path string) (*fat.Driver, string, error) {
	trimmed := strings.TrimPrefix(path, `\`)
	parts := strings.SplitN(trimmed, `\`, 3)
	if len(parts) < 2 {
		return nil, "", ioerrors.WithMessage(ioerrors.ErrIllegalFilename,
			`path %q must be of the form \driver_id\volume_index\path`, path)
	}
	driverID := parts[0]
	if len(parts[1]) != 1 {
		return nil, "", ioerrors.WithMessage(ioerrors.ErrIllegalFilename,
			"volume index %q must be a single digit", parts[1])
	}
	index := parts[1][0]
	if _, err := strconv.Atoi(string(index)); err != nil {
		return nil, "", ioerrors.WithMessage(ioerrors.ErrIllegalFilename,
			"volume index %q must be a single digit", parts[1])
	}

	v, ok := m.volumes[key{driverID, index}]
	if !ok {
		return nil, "", ioerrors.WithMessage(ioerrors.ErrFileNotFound,
			`no volume mounted at \%s\%c`, driverID, index)
	}

	rest := ""
	if len(parts) == 3 {
		rest = parts[2]
	}
	return v.Driver, rest, nil
}

// OpenFile routes path to its volume's Driver.OpenFile.
func (m *Manager) OpenFile(path string, flags fat.OpenFlags) (*fat.File, error) {
	driver, rest, err := m.route(path)
	if err != nil {
		return nil, err
	}
	return driver.OpenFile(rest, flags)
}

// Stat routes path to its volume's Driver.Stat.
func (m *Manager) Stat(path string) (fat.Dirent, error) {
	driver, rest, err := m.route(path)
	if err != nil {
		return fat.Dirent{}, err
	}
	return driver.Stat(rest)
}

// CreateDirectory routes path to its volume's Driver.CreateDirectory.
func (m *Manager) CreateDirectory(path string) error {
	driver, rest, err := m.route(path)
	if err != nil {
		return err
	}
	return driver.CreateDirectory(rest)
}

// DeleteFile routes path to its volume's Driver.DeleteFile.
func (m *Manager) DeleteFile(path string, allowedAttributes fat.Attribute) error {
	driver, rest, err := m.route(path)
	if err != nil {
		return err
	}
	return driver.DeleteFile(rest, allowedAttributes)
}

// FSStat is the aggregate free-space report FSStat returns across every
// mounted volume.
type FSStat struct {
	TotalFreeClusters uint64
	TotalFreeBytes    uint64
	PerVolume         map[string]uint32 // "<driver_id><index>" -> free clusters
	PerVolumeLabel    map[string]string // "<driver_id><index>" -> volume label
}

// FSStat queries every mounted volume's free-cluster count and volume
// label and aggregates them. A per-volume failure is recorded in the
// combined error but doesn't stop the others from being queried.
func (m *Manager) FSStat() (FSStat, error) {
	stat := FSStat{
		PerVolume:      make(map[string]uint32, len(m.volumes)),
		PerVolumeLabel: make(map[string]string, len(m.volumes)),
	}
	var errs error
	for k, v := range m.volumes {
		id := string(k.driverID) + string(k.index)

		free, err := v.Driver.FreeClusters()
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		stat.TotalFreeClusters += uint64(free)
		stat.TotalFreeBytes += uint64(free) * uint64(v.Driver.Geometry().BytesPerCluster)
		stat.PerVolume[id] = free

		label, err := v.Driver.VolumeLabel()
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		stat.PerVolumeLabel[id] = label
	}
	return stat, errs
}

// Unmount flushes and unregisters every mounted volume, returning the
// combined error of every volume's Unmount (resolving the uFS
// DeviceIoManager::Flush() "forgot to return" ambiguity in favor of
// reporting every failure instead of silently swallowing all but the
// first).
func (m *Manager) Unmount() error {
	var errs error
	for k, v := range m.volumes {
		if err := v.Driver.Unmount(); err != nil {
			errs = multierror.Append(errs, err)
		}
		delete(m.volumes, k)
	}
	return errs
}
