package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_realtime_reconnects_total",
			Help: "Reconnect attempts scheduled, per channel.",
		},
		[]string{"channel"},
	)

	FramesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_realtime_frames_received_total",
			Help: "Inbound frames, per channel and event kind.",
		},
		[]string{"channel", "event"},
	)

	FramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_realtime_frames_dropped_total",
			Help: "Outbound frames dropped because the channel was not open.",
		},
		[]string{"channel"},
	)

	DecodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_realtime_decode_errors_total",
			Help: "Inbound frames that failed to decode.",
		},
		[]string{"channel"},
	)

	ChannelOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "im_realtime_channel_open",
			Help: "1 while the channel is open.",
		},
		[]string{"channel"},
	)

	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_realtime_messages_sent_total",
			Help: "Optimistic sends by result.",
		},
		[]string{"result"},
	)

	CallsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_realtime_calls_ended_total",
			Help: "Calls that reached a call id, by direction and hangup reason.",
		},
		[]string{"direction", "reason"},
	)
)

func init() {
	prometheus.MustRegister(Reconnects)
	prometheus.MustRegister(FramesReceived)
	prometheus.MustRegister(FramesDropped)
	prometheus.MustRegister(DecodeErrors)
	prometheus.MustRegister(ChannelOpen)
	prometheus.MustRegister(MessagesSent)
	prometheus.MustRegister(CallsEnded)
}
