package link

import "fmt"

// Codec identifies how a field's raw bytes are turned into a value.
type Codec int

const (
	CodecUnsupported Codec = iota
	CodecUint8
	CodecInt8
	CodecUint16
	CodecInt16
	CodecUint24
	CodecInt24
	CodecUint32
	CodecInt32
	CodecUint64
	CodecInt64
	CodecDateTime
)

// Width returns the natural byte width of the codec, or 0 when the codec
// has none (unsupported encodings take whatever width the device declares).
func (c Codec) Width() int {
	switch c {
	case CodecUint8, CodecInt8:
		return 1
	case CodecUint16, CodecInt16:
		return 2
	case CodecUint24, CodecInt24:
		return 3
	case CodecUint32, CodecInt32:
		return 4
	case CodecUint64, CodecInt64:
		return 8
	case CodecDateTime:
		return 7
	default:
		return 0
	}
}

// Unit describes one entry of the device unit table.
type Unit struct {
	ID     uint16
	Name   string
	Codec  Codec
	Scale  float64 // divisor; 0 leaves the value untouched
	Signed bool    // selects the bad-value sentinel
	Known  bool
}

// Supported reports whether values of this unit can be decoded.
func (u Unit) Supported() bool { return u.Known && u.Codec != CodecUnsupported }

var unitTable = map[uint16]Unit{
	0:  {Name: "uint8", Codec: CodecUint8, Scale: 1},
	1:  {Name: "int8", Codec: CodecInt8, Scale: 1, Signed: true},
	2:  {Name: "uint16", Codec: CodecUint16, Scale: 1},
	3:  {Name: "int16", Codec: CodecInt16, Scale: 1, Signed: true},
	4:  {Name: "uint32", Codec: CodecUint32, Scale: 1},
	5:  {Name: "int32", Codec: CodecInt32, Scale: 1, Signed: true},
	6:  {Name: "uint64", Codec: CodecUint64, Scale: 1},
	7:  {Name: "int64", Codec: CodecInt64, Scale: 1, Signed: true},
	8:  {Name: "float", Codec: CodecUnsupported, Scale: 1, Signed: true},
	9:  {Name: "double", Codec: CodecUnsupported, Scale: 1, Signed: true},
	10: {Name: "string", Codec: CodecUnsupported},
	25: {Name: "seconds", Codec: CodecUnsupported, Scale: 1},
	26: {Name: "gps_time", Codec: CodecUnsupported, Scale: 1},
	27: {Name: "percent*100", Codec: CodecUint16, Scale: 100},
	28: {Name: "degrees*100", Codec: CodecInt16, Scale: 100, Signed: true},
	31: {Name: "millibar*10", Codec: CodecUint16, Scale: 10, Signed: true},
	36: {Name: "bluetooth_date_time", Codec: CodecDateTime},
	37: {Name: "meters*100 (int24)", Codec: CodecInt24, Scale: 100, Signed: true},
	38: {Name: "g/kg*100 (uint24)", Codec: CodecUint24, Scale: 100},
	39: {Name: "kg/m3*1000", Codec: CodecUint16, Scale: 1000},
	40: {Name: "newtons*10", Codec: CodecInt16, Scale: 10, Signed: true},
	41: {Name: "arc_degrees*100", Codec: CodecInt16, Scale: 100, Signed: true},
	42: {Name: "arc_degrees/s*100", Codec: CodecInt16, Scale: 100, Signed: true},
	43: {Name: "milliseconds", Codec: CodecUint16, Scale: 1},
	44: {Name: "m3/s*1000 (uint24)", Codec: CodecUint24, Scale: 1000},
	45: {Name: "joules*10", Codec: CodecInt16, Scale: 10, Signed: true},
	46: {Name: "arc_degrees (int8)", Codec: CodecInt8, Scale: 1, Signed: true},
	47: {Name: "arc_degrees (uint8)", Codec: CodecUint8, Scale: 1},
	48: {Name: "watts*10", Codec: CodecUint16, Scale: 10},
	53: {Name: "kg/m2/h*100", Codec: CodecUint16, Scale: 100},
	56: {Name: "m/s*1000", Codec: CodecUint16, Scale: 1000},
	57: {Name: "percent*10", Codec: CodecUint16, Scale: 10},
	59: {Name: "degrees (direction)", Codec: CodecUint16, Scale: 1},
	60: {Name: "meters*10 (int24)", Codec: CodecInt24, Scale: 10, Signed: true},
	61: {Name: "W/m2*10", Codec: CodecUint16, Scale: 10},
	62: {Name: "celsius*100 (int24)", Codec: CodecInt24, Scale: 100, Signed: true},
	63: {Name: "m/s*1000 (int24)", Codec: CodecInt24, Scale: 1000, Signed: true},
	64: {Name: "diff_celsius*100", Codec: CodecInt16, Scale: 100, Signed: true},
	65: {Name: "centimeters*10", Codec: CodecUint16, Scale: 10},
	66: {Name: "meters*100 (uint24)", Codec: CodecUint24, Scale: 100},
	67: {Name: "yards", Codec: CodecUnsupported, Scale: 1},
	68: {Name: "degrees*1000 (int24)", Codec: CodecInt24, Scale: 1000, Signed: true},
	69: {Name: "unitless*100", Codec: CodecInt16, Scale: 100, Signed: true},
}

// LookupUnit returns the unit for id. Unknown ids come back with Known
// false and CodecUnsupported.
func LookupUnit(id uint16) Unit {
	u, ok := unitTable[id]
	if !ok {
		return Unit{ID: id, Name: fmt.Sprintf("unit_%d", id), Codec: CodecUnsupported}
	}
	u.ID = id
	u.Known = true
	return u
}

var fieldNames = [...]string{
	"timestamp",
	"battery_percent",
	"temperature",
	"wetbulb",
	"6in_globe_temperature",
	"rel_humidity",
	"barometer",
	"altitude",
	"pressure",
	"windspeed",
	"heat_index",
	"dew_point",
	"moisture_content",
	"humidity_ratio",
	"dens_altitude",
	"rel_air_density",
	"airflow",
	"reserved",
	"air_speed",
	"empty",
	"crosswind",
	"evaporation_rate",
	"headwind",
	"compass_mag",
	"naturally_aspired_wetbulb",
	"compass_true",
	"thermal_work_limit",
	"wetbulb_globe_temperature",
	"wind_chill",
	"delta_t",
	"air_density",
	"1in_globe_temperature",
	"humidity_temperature",
	"humidity_thermistor_temperature",
	"average_normal_force",
	"relative_work_per_stroke",
	"empty",
}

// Field ids used by callers that build or inspect templates.
const (
	FieldTimestamp      uint16 = 0
	FieldBatteryPercent uint16 = 1
	FieldTemperature    uint16 = 2
	FieldRelHumidity    uint16 = 5
	FieldBarometer      uint16 = 6
	FieldWindSpeed      uint16 = 9
	FieldDewPoint       uint16 = 11
	FieldCompassTrue    uint16 = 25
)

// FieldName returns the name for a field id and whether the id is known.
// Unknown ids are named "field_<id>".
func FieldName(id uint16) (string, bool) {
	if int(id) < len(fieldNames) {
		return fieldNames[id], true
	}
	return fmt.Sprintf("field_%d", id), false
}
