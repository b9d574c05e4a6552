// Package signal turns decoded frames into host-facing records and buffers
// them until the host polls.
package signal

import (
	"strconv"
	"strings"

	"github.com/danmuck/sigbridge/internal/protocol/frame"
)

// Record is one translated entry signal. Values are immutable once built.
type Record struct {
	Action             frame.Action `json:"action"`
	Quantity           int32        `json:"quantity"`
	StopLossPoints     int64        `json:"stop_loss_points"`
	ProfitTargetPoints int64        `json:"profit_target_points"`
	Confidence         float32      `json:"confidence"`
	SourceSymbol       string       `json:"source_symbol"`
	DestinationSymbol  string       `json:"destination_symbol"`
	SourceTag          string       `json:"source_tag"`
	InstrumentName     string       `json:"instrument_name"`
}

// String renders the host line:
// action,quantity,stopLossPoints,profitTargetPoints,confidence,sourceSymbol,destinationSymbol,sourceTag,instrumentName
func (r Record) String() string {
	var b strings.Builder
	b.Grow(96)
	b.WriteString(strconv.FormatUint(uint64(r.Action), 10))
	b.WriteByte(',')
	b.WriteString(strconv.FormatInt(int64(r.Quantity), 10))
	b.WriteByte(',')
	b.WriteString(strconv.FormatInt(r.StopLossPoints, 10))
	b.WriteByte(',')
	b.WriteString(strconv.FormatInt(r.ProfitTargetPoints, 10))
	b.WriteByte(',')
	b.WriteString(strconv.FormatFloat(float64(r.Confidence), 'f', 2, 32))
	b.WriteByte(',')
	b.WriteString(r.SourceSymbol)
	b.WriteByte(',')
	b.WriteString(r.DestinationSymbol)
	b.WriteByte(',')
	b.WriteString(r.SourceTag)
	b.WriteByte(',')
	b.WriteString(r.InstrumentName)
	return b.String()
}
