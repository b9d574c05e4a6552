package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	Magic   uint32 = 0xA330BEEF
	Version uint16 = 1
	Size           = 104

	SymbolLen     = 16
	InstrumentLen = 32
	SourceLen     = 16
)

// Field offsets within one frame.
const (
	offMagic        = 0
	offVersion      = 4
	offAction       = 6
	offTimestamp    = 8
	offLongStop     = 16
	offShortStop    = 20
	offProfitTarget = 24
	offQuantity     = 28
	offConfidence   = 32
	offSymbol       = 36
	offInstrument   = offSymbol + SymbolLen
	offSource       = offInstrument + InstrumentLen
)

var (
	ErrShortFrame         = errors.New("frame: short frame")
	ErrInvalidMagic       = errors.New("frame: invalid magic")
	ErrUnsupportedVersion = errors.New("frame: unsupported version")
	ErrFieldTooLong       = errors.New("frame: field too long")
	ErrInvalidText        = errors.New("frame: invalid ascii field")
)

// Signal is the decoded view of one wire frame. Magic and version are
// validated on decode and written as constants on encode.
type Signal struct {
	Action            Action
	Timestamp         int64
	LongStopTicks     int32
	ShortStopTicks    int32
	ProfitTargetTicks int32
	Quantity          int32
	Confidence        float32
	Symbol            string
	Instrument        string
	Source            string
}

// Decode validates and reads one frame from the head of b. Bytes past Size are ignored.
func Decode(b []byte) (Signal, error) {
	if len(b) < Size {
		return Signal{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(b))
	}
	b = b[:Size]
	if m := binary.LittleEndian.Uint32(b[offMagic:]); m != Magic {
		return Signal{}, fmt.Errorf("%w: 0x%08X", ErrInvalidMagic, m)
	}
	if v := binary.LittleEndian.Uint16(b[offVersion:]); v != Version {
		return Signal{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	return Signal{
		Action:            Action(binary.LittleEndian.Uint16(b[offAction:])),
		Timestamp:         int64(binary.LittleEndian.Uint64(b[offTimestamp:])),
		LongStopTicks:     int32(binary.LittleEndian.Uint32(b[offLongStop:])),
		ShortStopTicks:    int32(binary.LittleEndian.Uint32(b[offShortStop:])),
		ProfitTargetTicks: int32(binary.LittleEndian.Uint32(b[offProfitTarget:])),
		Quantity:          int32(binary.LittleEndian.Uint32(b[offQuantity:])),
		Confidence:        math.Float32frombits(binary.LittleEndian.Uint32(b[offConfidence:])),
		Symbol:            getASCII(b[offSymbol : offSymbol+SymbolLen]),
		Instrument:        getASCII(b[offInstrument : offInstrument+InstrumentLen]),
		Source:            getASCII(b[offSource : offSource+SourceLen]),
	}, nil
}

// Encode returns the wire form of s.
func Encode(s Signal) ([Size]byte, error) {
	var out [Size]byte
	if err := EncodeInto(out[:], s); err != nil {
		return [Size]byte{}, err
	}
	return out, nil
}

// EncodeInto writes s into dst[:Size]. dst is left untouched on error.
func EncodeInto(dst []byte, s Signal) error {
	if len(dst) < Size {
		return fmt.Errorf("%w: destination %d bytes", ErrShortFrame, len(dst))
	}
	if err := checkASCII("symbol", s.Symbol, SymbolLen); err != nil {
		return err
	}
	if err := checkASCII("instrument", s.Instrument, InstrumentLen); err != nil {
		return err
	}
	if err := checkASCII("source", s.Source, SourceLen); err != nil {
		return err
	}

	b := dst[:Size]
	binary.LittleEndian.PutUint32(b[offMagic:], Magic)
	binary.LittleEndian.PutUint16(b[offVersion:], Version)
	binary.LittleEndian.PutUint16(b[offAction:], uint16(s.Action))
	binary.LittleEndian.PutUint64(b[offTimestamp:], uint64(s.Timestamp))
	binary.LittleEndian.PutUint32(b[offLongStop:], uint32(s.LongStopTicks))
	binary.LittleEndian.PutUint32(b[offShortStop:], uint32(s.ShortStopTicks))
	binary.LittleEndian.PutUint32(b[offProfitTarget:], uint32(s.ProfitTargetTicks))
	binary.LittleEndian.PutUint32(b[offQuantity:], uint32(s.Quantity))
	binary.LittleEndian.PutUint32(b[offConfidence:], math.Float32bits(s.Confidence))
	putASCII(b[offSymbol:offSymbol+SymbolLen], s.Symbol)
	putASCII(b[offInstrument:offInstrument+InstrumentLen], s.Instrument)
	putASCII(b[offSource:offSource+SourceLen], s.Source)
	return nil
}

// getASCII reads up to the first NUL or the slot width.
func getASCII(field []byte) string {
	for i, c := range field {
		if c == 0 {
			return string(field[:i])
		}
	}
	return string(field)
}

func putASCII(field []byte, v string) {
	n := copy(field, v)
	clear(field[n:])
}

func checkASCII(name, v string, width int) error {
	if len(v) > width {
		return fmt.Errorf("%w: %s is %d bytes, max %d", ErrFieldTooLong, name, len(v), width)
	}
	for i := 0; i < len(v); i++ {
		if v[i] == 0 || v[i] > 127 {
			return fmt.Errorf("%w: %s byte %d is 0x%02X", ErrInvalidText, name, i, v[i])
		}
	}
	return nil
}
