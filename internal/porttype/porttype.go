// Package porttype implements the port type table (spec §4.3, component
// C3): a small registry of {name, buffer_init, mixdown} capability records.
// Audio and MIDI are built in; the table has no inheritance, only the two
// function-pointer-shaped fields Design Notes §9 calls for.
package porttype

// SampleSize is the byte width of one audio sample (32-bit float, spec §4.3).
const SampleSize = 4

// BufferInitFunc zero-initializes (or otherwise prepares) a freshly assigned
// buffer of the given frame count.
type BufferInitFunc func(buf []byte, nframes int)

// MixdownFunc combines nframes worth of data from every connected source
// buffer into dst. Called lazily, once per cycle, only for inputs with two
// or more connections (spec §4.3).
type MixdownFunc func(dst []byte, sources [][]byte, nframes int)

// Type is the capability record for one port type.
type Type struct {
	Name       string
	BufferInit BufferInitFunc
	Mixdown    MixdownFunc
	// BufferSize returns the byte size of one period's buffer for this type.
	BufferSize func(nframes int) int
}

// Table is a small name-keyed registry of port Types. It has no locking of
// its own: types are registered once at engine startup, before any client
// can observe the table, and never removed.
type Table struct {
	types map[string]*Type
}

// NewTable returns a Table pre-populated with the built-in Audio and MIDI
// types.
func NewTable() *Table {
	t := &Table{types: make(map[string]*Type, 4)}
	t.Register(AudioType())
	t.Register(MIDIType())
	return t
}

// Register adds or replaces a type by name.
func (t *Table) Register(pt *Type) { t.types[pt.Name] = pt }

// Lookup returns the type with the given name, or nil if unknown.
func (t *Table) Lookup(name string) *Type { return t.types[name] }

// Names lists all registered type names, for diagnostics.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.types))
	for n := range t.types {
		names = append(names, n)
	}
	return names
}

// AudioTypeName and MIDITypeName are the built-in type names, used both by
// the table and by request validation.
const (
	AudioTypeName = "audio"
	MIDITypeName  = "midi"
)

// AudioType returns the built-in 32-bit-float audio port type. Mixdown is
// an additive sum; buffer-scale-factor is 1 (spec §4.3).
func AudioType() *Type {
	return &Type{
		Name: AudioTypeName,
		BufferInit: func(buf []byte, nframes int) {
			clear(buf[:nframes*SampleSize])
		},
		Mixdown: mixdownAudio,
		BufferSize: func(nframes int) int {
			return nframes * SampleSize
		},
	}
}

func mixdownAudio(dst []byte, sources [][]byte, nframes int) {
	out := bytesToFloat32(dst)
	for i := range out[:nframes] {
		out[i] = 0
	}
	for _, src := range sources {
		in := bytesToFloat32(src)
		for i := 0; i < nframes; i++ {
			out[i] += in[i]
		}
	}
}
