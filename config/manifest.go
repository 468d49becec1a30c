package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/voltage-ems/core/combase"
	"github.com/voltage-ems/core/keyspace"
	"github.com/voltage-ems/core/model"
	"github.com/voltage-ems/core/protocol"
	"github.com/voltage-ems/core/protocol/can"
	"github.com/voltage-ems/core/protocol/iec104"
	"github.com/voltage-ems/core/protocol/modbus"
	"github.com/voltage-ems/core/timeseries"
	"github.com/voltage-ems/core/transport"
)

// ManifestPoint describes one point inside a channel manifest entry.
// Only the fields a channel's protocol actually uses are populated;
// the rest stay at their zero value. This mirrors §6.2's relational
// schema (telemetry/signal/control/adjustment point tables keyed by
// channel_id+point_id, carrying signal_name/scale/offset/unit plus
// protocol-specific columns), flattened into one YAML shape instead of
// four tables.
type ManifestPoint struct {
	PointID    uint32             `yaml:"point_id"`
	Type       keyspace.PointType `yaml:"type"`
	SignalName string             `yaml:"signal_name"`
	Unit       string             `yaml:"unit"`
	Readable   bool               `yaml:"readable"`
	Writable   bool               `yaml:"writable"`
	Enabled    bool               `yaml:"enabled"`

	// Modbus-shaped columns, per §6.2's literal column list.
	Slave       uint8   `yaml:"slave"`
	FC          uint8   `yaml:"fc"`
	Register    uint16  `yaml:"register"`
	DataType    string  `yaml:"data_type"`
	ByteOrder   string  `yaml:"byte_order"`
	BitPosition uint8   `yaml:"bit_position"`
	Reverse     bool    `yaml:"reverse"`
	Scale       float64 `yaml:"scale"`
	Offset      float64 `yaml:"offset"`

	// IEC 60870-5-104 addressing. §6.2 names only Modbus columns
	// explicitly; these extend the same point table idiomatically for
	// the driver the distilled spec's relational section left out.
	IOA           uint32 `yaml:"ioa"`
	CommonAddress uint16 `yaml:"common_address"`
	ASDUType      uint8  `yaml:"asdu_type"`

	// CAN addressing, same rationale as IOA/CommonAddress above.
	CANID      uint32 `yaml:"can_id"`
	ByteOffset uint8  `yaml:"byte_offset"`
	Length     uint8  `yaml:"length"`
	BigEndian  bool   `yaml:"big_endian"`
}

// ManifestChannel describes one comsrv channel: its protocol, enabled
// flag, and point table, plus a free-form config blob for whatever the
// driver's transport needs (host/port, device, baud rate, CAN interface)
// that does not belong in the point table. Only the keys TransportConfig
// reads are used; the blob sets no polling options.
type ManifestChannel struct {
	ID       uint16            `yaml:"id"`
	Name     string            `yaml:"name"`
	Protocol string            `yaml:"protocol"`
	Enabled  bool              `yaml:"enabled"`
	Config   map[string]string `yaml:"config"`
	Points   []ManifestPoint   `yaml:"points"`
}

// ManifestPointRef mirrors model.PointRef in a YAML-friendly shape.
type ManifestPointRef struct {
	Entity  model.Entity       `yaml:"entity"`
	ID      uint32             `yaml:"id"`
	Type    keyspace.PointType `yaml:"type"`
	PointID uint32             `yaml:"point_id"`
}

func (r ManifestPointRef) toPointRef() model.PointRef {
	return model.PointRef{Entity: r.Entity, ID: r.ID, Type: r.Type, PointID: r.PointID}
}

// ManifestInput mirrors model.InputBinding.
type ManifestInput struct {
	Name   string           `yaml:"name"`
	Source ManifestPointRef `yaml:"source"`
}

// ManifestSeries mirrors model.SeriesSpec.
type ManifestSeries struct {
	Function      string `yaml:"function"`
	Source        string `yaml:"source"`
	PointID       uint32 `yaml:"point_id"`
	Schedule      string `yaml:"schedule"`
	WindowMinutes int    `yaml:"window_minutes"`
	ResetSchedule string `yaml:"reset_schedule"`
}

// ManifestNode mirrors model.CalcNode.
type ManifestNode struct {
	Name   string         `yaml:"name"`
	Kind   string         `yaml:"kind"`
	Expr   string         `yaml:"expr"`
	Series ManifestSeries `yaml:"series"`
}

// ManifestOutput mirrors model.OutputBinding.
type ManifestOutput struct {
	Name   string           `yaml:"name"`
	Target ManifestPointRef `yaml:"target"`
	Action bool             `yaml:"action"`
}

// ManifestInstance describes one modsrv model instance.
type ManifestInstance struct {
	ID      uint32           `yaml:"id"`
	Name    string           `yaml:"name"`
	Inputs  []ManifestInput  `yaml:"inputs"`
	Nodes   []ManifestNode   `yaml:"nodes"`
	Outputs []ManifestOutput `yaml:"outputs"`
}

// Manifest is the root of a gateway's YAML configuration: every
// channel, every model instance, and the routing tables connecting
// them, loaded in one shot at boot (§6.2 "model instances and routing
// rules are loaded from JSON manifests or the store itself").
type Manifest struct {
	Channels  []ManifestChannel  `yaml:"channels"`
	Instances []ManifestInstance `yaml:"instances"`
	Routes    struct {
		C2M map[string]string `yaml:"c2m"`
		M2C map[string]string `yaml:"m2c"`
		C2C map[string]string `yaml:"c2c"`
	} `yaml:"routes"`
}

// LoadManifest reads and parses a gateway manifest from path.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("config: parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// ChannelIDs implements reconciler.Registry.
func (m *Manifest) ChannelIDs() []uint16 {
	out := make([]uint16, 0, len(m.Channels))
	for _, c := range m.Channels {
		out = append(out, c.ID)
	}
	return out
}

// InstanceIDs implements reconciler.Registry.
func (m *Manifest) InstanceIDs() []uint32 {
	out := make([]uint32, 0, len(m.Instances))
	for _, i := range m.Instances {
		out = append(out, i.ID)
	}
	return out
}

// ChannelPointIDs implements reconciler.Registry.
func (m *Manifest) ChannelPointIDs(channelID uint16, pt keyspace.PointType) []uint32 {
	for _, c := range m.Channels {
		if c.ID != channelID {
			continue
		}
		var ids []uint32
		for _, p := range c.Points {
			if p.Type == pt {
				ids = append(ids, p.PointID)
			}
		}
		return ids
	}
	return nil
}

// InstancePointIDs implements reconciler.Registry. An instance's valid
// point ids are whatever its output bindings write into its own
// namespace (model nodes have no other way to appear in the instance
// value hash).
func (m *Manifest) InstancePointIDs(instanceID uint32, pt keyspace.PointType) []uint32 {
	for _, inst := range m.Instances {
		if inst.ID != instanceID {
			continue
		}
		var ids []uint32
		for _, o := range inst.Outputs {
			if o.Target.Entity == model.EntityInstance && o.Target.ID == instanceID && o.Target.Type == pt {
				ids = append(ids, o.Target.PointID)
			}
		}
		return ids
	}
	return nil
}

// ChannelByID returns the manifest entry for id, if present.
func (m *Manifest) ChannelByID(id uint16) (ManifestChannel, bool) {
	for _, c := range m.Channels {
		if c.ID == id {
			return c, true
		}
	}
	return ManifestChannel{}, false
}

// TransportConfig builds a transport.Config from a channel's free-form
// Config map. Recognised keys: kind, host, port, device, baud_rate,
// data_bits, stop_bits, parity, interface. Unset numeric keys default
// to transport.Config's own zero value, which NewTransport then
// applies its usual defaults to.
func (c ManifestChannel) TransportConfig() transport.Config {
	cfg := transport.Config{Kind: transport.Kind(c.Config["kind"])}
	cfg.Host = c.Config["host"]
	cfg.Device = c.Config["device"]
	cfg.Parity = c.Config["parity"]
	cfg.Interface = c.Config["interface"]
	if v, err := strconv.Atoi(c.Config["port"]); err == nil {
		cfg.Port = v
	}
	if v, err := strconv.Atoi(c.Config["baud_rate"]); err == nil {
		cfg.BaudRate = v
	}
	if v, err := strconv.Atoi(c.Config["data_bits"]); err == nil {
		cfg.DataBits = v
	}
	if v, err := strconv.Atoi(c.Config["stop_bits"]); err == nil {
		cfg.StopBits = v
	}
	return cfg
}

// PollingPoints converts a channel's point table into combase's
// protocol-independent polling view (§4.7).
func (c ManifestChannel) PollingPoints() []combase.PollingPoint {
	out := make([]combase.PollingPoint, 0, len(c.Points))
	for _, p := range c.Points {
		out = append(out, combase.PollingPoint{
			PointID:  p.PointID,
			Type:     p.Type,
			Readable: p.Readable,
			Writable: p.Writable,
			Enabled:  p.Enabled,
		})
	}
	return out
}

// ModbusPoints converts a channel's point table into modbus.Point
// values. Callers must only call this for channels whose Protocol is
// "modbus".
func (c ManifestChannel) ModbusPoints() []modbus.Point {
	out := make([]modbus.Point, 0, len(c.Points))
	for _, p := range c.Points {
		out = append(out, modbus.Point{
			PointID:         p.PointID,
			SlaveID:         p.Slave,
			FunctionCode:    p.FC,
			RegisterAddress: p.Register,
			DataType:        protocol.DataType(p.DataType),
			ByteOrder:       modbus.ByteOrder(p.ByteOrder),
			BitPosition:     p.BitPosition,
			Scale:           p.Scale,
			Offset:          p.Offset,
			Reverse:         p.Reverse,
		})
	}
	return out
}

// IEC104Points converts a channel's point table into iec104.Point values.
func (c ManifestChannel) IEC104Points() []iec104.Point {
	out := make([]iec104.Point, 0, len(c.Points))
	for _, p := range c.Points {
		out = append(out, iec104.Point{
			PointID:       p.PointID,
			IOA:           p.IOA,
			CommonAddress: p.CommonAddress,
			Type:          iec104.TypeID(p.ASDUType),
			Scale:         p.Scale,
			Offset:        p.Offset,
		})
	}
	return out
}

// CANPoints converts a channel's point table into can.Point values.
func (c ManifestChannel) CANPoints() []can.Point {
	out := make([]can.Point, 0, len(c.Points))
	for _, p := range c.Points {
		out = append(out, can.Point{
			PointID:    p.PointID,
			CANID:      p.CANID,
			ByteOffset: p.ByteOffset,
			Length:     p.Length,
			DataType:   protocol.DataType(p.DataType),
			BigEndian:  p.BigEndian,
			Scale:      p.Scale,
			Offset:     p.Offset,
			Writable:   p.Writable,
		})
	}
	return out
}

// ModelSpec converts a manifest instance into model.Spec, ready to
// hand to model.New alongside a store/keyspace/routing/series config.
func (inst ManifestInstance) ModelSpec() model.Spec {
	spec := model.Spec{InstanceID: inst.ID, Name: inst.Name}

	for _, in := range inst.Inputs {
		spec.Inputs = append(spec.Inputs, model.InputBinding{Name: in.Name, Source: in.Source.toPointRef()})
	}
	for _, n := range inst.Nodes {
		spec.Nodes = append(spec.Nodes, model.CalcNode{
			NodeName: n.Name,
			Kind:     model.NodeKind(n.Kind),
			Expr:     n.Expr,
			Series: model.SeriesSpec{
				Function:      timeseries.Function(n.Series.Function),
				Source:        n.Series.Source,
				PointID:       n.Series.PointID,
				Schedule:      n.Series.Schedule,
				WindowMinutes: n.Series.WindowMinutes,
				ResetSchedule: n.Series.ResetSchedule,
			},
		})
	}
	for _, o := range inst.Outputs {
		spec.Outputs = append(spec.Outputs, model.OutputBinding{Name: o.Name, Target: o.Target.toPointRef(), Action: o.Action})
	}
	return spec
}
