// Package journal records the agreed command set of every tick so a match
// can be replayed bit-for-bit. Because the simulation is deterministic, the
// journal plus the initial world configuration reproduces the full match.
package journal

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Zakru/DigitalExtinction-Game/internal/sim"
)

// FormatVersion is bumped on any incompatible journal layout change.
const FormatVersion = 1

// ErrFormat reports a journal with an unreadable or incompatible header.
var ErrFormat = errors.New("journal: unsupported format")

// Header opens every journal and carries everything needed to reconstruct
// the starting world.
type Header struct {
	Version      int             `msgpack:"version"`
	CreatedAt    time.Time       `msgpack:"createdAt"`
	TickRate     int             `msgpack:"tickRate"`
	Participants []string        `msgpack:"participants"`
	World        sim.WorldConfig `msgpack:"world"`
}

// Record is one tick's agreed command set in execution order.
type Record struct {
	Tick     uint64        `msgpack:"tick"`
	Commands []sim.Command `msgpack:"commands"`
}

// Writer appends tick records to a journal stream.
type Writer struct {
	mu  sync.Mutex
	enc *msgpack.Encoder
}

// NewWriter writes the header and returns a writer for the tick records.
func NewWriter(w io.Writer, header Header) (*Writer, error) {
	header.Version = FormatVersion
	enc := msgpack.NewEncoder(w)
	if err := enc.Encode(header); err != nil {
		return nil, fmt.Errorf("journal: write header: %w", err)
	}
	return &Writer{enc: enc}, nil
}

// Append records one tick. Ticks with no commands may be skipped; the reader
// treats gaps as empty ticks.
func (w *Writer) Append(rec Record) error {
	if w == nil {
		return errors.New("journal: nil writer")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("journal: write tick %d: %w", rec.Tick, err)
	}
	return nil
}

// Reader iterates the tick records of a journal stream.
type Reader struct {
	dec    *msgpack.Decoder
	header Header
}

// NewReader validates the header and positions the reader at the first
// record.
func NewReader(r io.Reader) (*Reader, error) {
	dec := msgpack.NewDecoder(r)
	var header Header
	if err := dec.Decode(&header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if header.Version != FormatVersion {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrFormat, header.Version, FormatVersion)
	}
	return &Reader{dec: dec, header: header}, nil
}

// Header returns the journal header.
func (r *Reader) Header() Header {
	if r == nil {
		return Header{}
	}
	return r.header
}

// Next returns the next tick record, or io.EOF after the last one.
func (r *Reader) Next() (Record, error) {
	if r == nil {
		return Record{}, io.EOF
	}
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("journal: read record: %w", err)
	}
	return rec, nil
}

// Replay reconstructs the match from a journal and returns the final
// snapshot. The engine is rebuilt from the recorded world configuration, so
// the caller supplies only the stream and the fixed timestep.
func Replay(r io.Reader, dt float64, deps sim.Deps) (sim.Snapshot, error) {
	reader, err := NewReader(r)
	if err != nil {
		return sim.Snapshot{}, err
	}
	engine := sim.NewEngine(sim.NewWorld(reader.Header().World), deps)

	next, err := reader.Next()
	done := errors.Is(err, io.EOF)
	if err != nil && !done {
		return sim.Snapshot{}, err
	}
	lastTick := uint64(0)
	for !done {
		// Run the empty ticks between records so timing matches the
		// original match.
		for tick := lastTick + 1; tick < next.Tick; tick++ {
			engine.Step(dt)
		}
		if applyErr := engine.Apply(next.Commands); applyErr != nil {
			// Invalid commands were dropped in the original run too.
			engine.Deps().Logger.Printf("[journal] replay tick %d: %v", next.Tick, applyErr)
		}
		engine.Step(dt)
		lastTick = next.Tick

		next, err = reader.Next()
		if errors.Is(err, io.EOF) {
			done = true
		} else if err != nil {
			return sim.Snapshot{}, err
		}
	}
	return engine.Snapshot(), nil
}
