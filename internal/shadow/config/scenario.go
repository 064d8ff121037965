// Package config implements the scenario file and CLI surface described
// in §6: an XML document describing hosts, plug-ins, and processes, plus
// the shadow command's flags. The GraphML topology document embedded or
// referenced by <topology> is parsed by the topology package's own
// loader; this package only carries it through as raw text/path.
package config

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"

	"github.com/shadow-sim/shadow/internal/shadow/serrors"
)

// Scenario is the root <shadow> element (§6).
type Scenario struct {
	XMLName     xml.Name   `xml:"shadow"`
	Preload     string     `xml:"preload,attr"`
	Environment string     `xml:"environment,attr"`
	StopTime    float64    `xml:"stoptime,attr"`
	Topology    Topology   `xml:"topology"`
	Plugins     []Plugin   `xml:"plugin"`
	Hosts       []Host     `xml:"host"`
}

// Topology is the <topology> element: either a path to a GraphML file or
// inline GraphML CDATA, never both (§6).
type Topology struct {
	Path   string `xml:"path,attr"`
	Inline string `xml:",cdata"`
}

// Plugin is a <plugin id= path=> element (§6).
type Plugin struct {
	ID   string `xml:"id,attr"`
	Path string `xml:"path,attr"`
}

// Host is a <host> element and its attributes (§6). An absent attribute
// decodes as its field's zero value, so "absent" and "explicit zero" are
// indistinguishable.
type Host struct {
	ID                string   `xml:"id,attr"`
	IPHint            string   `xml:"iphint,attr"`
	GeocodeHint       string   `xml:"geocodehint,attr"`
	TypeHint          string   `xml:"typehint,attr"`
	BandwidthDown     uint64   `xml:"bandwidthdown,attr"`
	BandwidthUp       uint64   `xml:"bandwidthup,attr"`
	Quantity          uint32   `xml:"quantity,attr"`
	CPUFrequency      uint64   `xml:"cpufrequency,attr"`
	SocketRecvBuffer  int      `xml:"socketrecvbuffer,attr"`
	SocketSendBuffer  int      `xml:"socketsendbuffer,attr"`
	InterfaceBuffer   int      `xml:"interfacebuffer,attr"`
	LogLevel          string   `xml:"loglevel,attr"`
	HeartbeatLogLevel string   `xml:"heartbeatloglevel,attr"`
	HeartbeatLogInfo  string   `xml:"heartbeatloginfo,attr"`
	HeartbeatFrequency float64 `xml:"heartbeatfrequency,attr"`
	LogPCAP           bool     `xml:"logpcap,attr"`
	PCAPDir           string   `xml:"pcapdir,attr"`
	Processes         []Process `xml:"process"`
}

// Process is a <process> element nested under a <host> (§6).
type Process struct {
	Plugin    string  `xml:"plugin,attr"`
	Arguments string  `xml:"arguments,attr"`
	StartTime float64 `xml:"starttime,attr"`
	StopTime  float64 `xml:"stoptime,attr"`
	Preload   string  `xml:"preload,attr"`
}

// Load parses a scenario document from r and validates it per §6: empty
// required attributes (those Validate checks) are fatal parse errors.
// Unknown attributes are not rejected: encoding/xml silently ignores
// attributes that no struct field names.
func Load(r io.Reader) (*Scenario, error) {
	var s Scenario
	dec := xml.NewDecoder(r)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w: %w", err, serrors.ErrConfig)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadFile opens path and parses it as a scenario document.
func LoadFile(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scenario %q: %w: %w", path, err, serrors.ErrConfig)
	}
	defer f.Close()
	return Load(f)
}

// Validate enforces the required-attribute rules from §6: every host
// needs an id, every plugin needs an id and path, every process names a
// plugin, and the topology names exactly one of path or inline content.
func (s *Scenario) Validate() error {
	if s.Topology.Path == "" && s.Topology.Inline == "" {
		return fmt.Errorf("topology: neither path nor inline GraphML given: %w", serrors.ErrConfig)
	}
	if s.Topology.Path != "" && s.Topology.Inline != "" {
		return fmt.Errorf("topology: both path and inline GraphML given: %w", serrors.ErrConfig)
	}
	seenPlugins := make(map[string]bool)
	for _, p := range s.Plugins {
		if p.ID == "" {
			return fmt.Errorf("plugin: empty id attribute: %w", serrors.ErrConfig)
		}
		if p.Path == "" {
			return fmt.Errorf("plugin %q: empty path attribute: %w", p.ID, serrors.ErrConfig)
		}
		if seenPlugins[p.ID] {
			return fmt.Errorf("plugin %q: duplicate id: %w", p.ID, serrors.ErrConfig)
		}
		seenPlugins[p.ID] = true
	}
	seenHosts := make(map[string]bool)
	for _, h := range s.Hosts {
		if h.ID == "" {
			return fmt.Errorf("host: empty id attribute: %w", serrors.ErrConfig)
		}
		if seenHosts[h.ID] {
			return fmt.Errorf("host %q: duplicate id: %w", h.ID, serrors.ErrConfig)
		}
		seenHosts[h.ID] = true
		for _, p := range h.Processes {
			if p.Plugin == "" {
				return fmt.Errorf("host %q: process with empty plugin attribute: %w", h.ID, serrors.ErrConfig)
			}
			if !seenPlugins[p.Plugin] {
				return fmt.Errorf("host %q: process references unknown plugin %q: %w", h.ID, p.Plugin, serrors.ErrConfig)
			}
		}
	}
	return nil
}
