// Package fibrechannel enumerates Fibre Channel HBAs through the
// fc_host sysfs class and computes the by-path device names a mapped
// LUN will surface under.
package fibrechannel

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var log = logrus.WithField("component", "fibrechannel")

// SetLogger configures the entry used for logging.
func SetLogger(entry *logrus.Entry) {
	log = entry
}

type simpleError string

func (s simpleError) Error() string { return string(s) }

const ErrNoFibreChannelHBAs = simpleError("fibrechannel: no FC HBAs found")

// HBA is one fc_host entry.
type HBA struct {
	Host      int
	PortName  string // 0x-prefix stripped, e.g. 10000090fa0b7a88
	NodeName  string
	PortState string // e.g. Online
}

func (h *HBA) Online() bool {
	return h.PortState == "Online"
}

type Linux struct {
	fs afero.Afero
}

func New() *Linux {
	return NewWithFs(afero.Afero{Fs: afero.NewOsFs()})
}

func NewWithFs(fs afero.Afero) *Linux {
	return &Linux{fs: fs}
}

func (l *Linux) readAttr(path string) string {
	buf, err := l.fs.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.TrimSpace(string(buf)), "0x")
}

// GetHBAs enumerates /sys/class/fc_host.
func (l *Linux) GetHBAs(ctx context.Context) ([]HBA, error) {
	infos, err := l.fs.ReadDir("/sys/class/fc_host")
	if err != nil {
		return nil, ErrNoFibreChannelHBAs
	}
	var hbas []HBA
	for _, info := range infos {
		name := info.Name()
		host, err := strconv.Atoi(strings.TrimPrefix(name, "host"))
		if err != nil {
			continue
		}
		dir := "/sys/class/fc_host/" + name
		hbas = append(hbas, HBA{
			Host:      host,
			PortName:  l.readAttr(dir + "/port_name"),
			NodeName:  l.readAttr(dir + "/node_name"),
			PortState: strings.TrimSpace(l.readAttr(dir + "/port_state")),
		})
	}
	if len(hbas) == 0 {
		return nil, ErrNoFibreChannelHBAs
	}
	return hbas, nil
}

// IssueLIP resets the loop on every HBA, forcing the fabric to be
// rediscovered. Used as a last resort when targeted rescans find
// nothing.
func (l *Linux) IssueLIP(ctx context.Context, hbas []HBA) error {
	for _, hba := range hbas {
		filename := fmt.Sprintf("/sys/class/fc_host/host%d/issue_lip", hba.Host)
		if err := l.fs.WriteFile(filename, []byte("1"), 0o200); err != nil {
			log.WithFields(logrus.Fields{
				"host":  hba.Host,
				"error": err,
			}).Warn("could not issue LIP")
		}
	}
	return nil
}

// CandidatePaths globs for the /dev/disk/by-path names a LUN behind
// any of the target WWNs may appear under. The PCI segment of the
// name varies per HBA, so it is matched with a wildcard.
func (l *Linux) CandidatePaths(targetWWNs []string, lun int) ([]string, error) {
	var paths []string
	for _, wwn := range targetWWNs {
		wwn = strings.ToLower(strings.TrimPrefix(wwn, "0x"))
		pattern := fmt.Sprintf("/dev/disk/by-path/*-fc-0x%s-lun-%d", wwn, lun)
		matches, err := afero.Glob(l.fs.Fs, pattern)
		if err != nil {
			return nil, err
		}
		paths = append(paths, matches...)
	}
	return paths, nil
}
