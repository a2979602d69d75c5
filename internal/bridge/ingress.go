package bridge

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// NewIngress creates the in-process pub/sub native events travel through
// before Dispatch. Publish returns only after the bridge acked the message,
// which keeps events of one event name in publish order.
//
// Handlers run inside that publish. They must not wait on a native call or
// subscribe to a new event name; native off calls and script callbacks are
// already queued elsewhere.
func NewIngress(bufferSize int64, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            bufferSize,
		BlockPublishUntilSubscriberAck: true,
	}, logger)
}
