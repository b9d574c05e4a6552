package signal

import (
	"errors"
	"fmt"

	"github.com/danmuck/sigbridge/internal/instrument"
	"github.com/danmuck/sigbridge/internal/protocol/frame"
)

var ErrIgnoredAction = errors.New("signal: action not bridged")

// Translator is the fragment path minus the enqueue: decode, filter, map, convert.
type Translator struct {
	Instruments *instrument.Map
}

func NewTranslator(m *instrument.Map) *Translator {
	return &Translator{Instruments: m}
}

// Translate returns the record for raw, or an error wrapping one of
// frame.ErrShortFrame / ErrInvalidMagic / ErrUnsupportedVersion,
// ErrIgnoredAction or instrument.ErrUnknownInstrument.
func (t *Translator) Translate(raw []byte) (Record, error) {
	s, err := frame.Decode(raw)
	if err != nil {
		return Record{}, err
	}
	return t.FromSignal(s)
}

func (t *Translator) FromSignal(s frame.Signal) (Record, error) {
	var stopTicks int32
	switch {
	case s.Action.IsLongEntry():
		stopTicks = s.LongStopTicks
	case s.Action.IsShortEntry():
		stopTicks = s.ShortStopTicks
	default:
		return Record{}, fmt.Errorf("%w: %s", ErrIgnoredAction, s.Action)
	}

	entry, err := t.Instruments.Resolve(instrument.Prefix(s.Instrument))
	if err != nil {
		return Record{}, err
	}

	return Record{
		Action:             s.Action,
		Quantity:           s.Quantity,
		StopLossPoints:     instrument.ConvertTicksToPoints(stopTicks, entry),
		ProfitTargetPoints: instrument.ConvertTicksToPoints(s.ProfitTargetTicks, entry),
		Confidence:         s.Confidence,
		SourceSymbol:       s.Symbol,
		DestinationSymbol:  entry.Symbol,
		SourceTag:          s.Source,
		InstrumentName:     s.Instrument,
	}, nil
}

// IsMalformed reports whether err came from frame validation.
func IsMalformed(err error) bool {
	return errors.Is(err, frame.ErrShortFrame) ||
		errors.Is(err, frame.ErrInvalidMagic) ||
		errors.Is(err, frame.ErrUnsupportedVersion)
}
