package transport

import (
	"strconv"
	"strings"
)

// TopicName derives a broker-safe topic/exchange name for channel+stream on
// transports that have no native stream id (redis, amqp, gossip).
func TopicName(prefix, channel string, streamID int32) string {
	var b strings.Builder
	b.Grow(len(prefix) + len(channel) + 12)
	b.WriteString(prefix)
	b.WriteByte('.')
	b.WriteString(strings.TrimPrefix(channel, ChannelScheme))
	b.WriteByte('.')
	b.WriteString(strconv.FormatInt(int64(streamID), 10))
	return b.String()
}
