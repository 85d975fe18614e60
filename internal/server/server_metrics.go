package server

import "github.com/prometheus/client_golang/prometheus"

type metrics interface {
	incSTUNMessages()
	incChannelData()
}

type noopMetrics struct{}

func (noopMetrics) incSTUNMessages() {}
func (noopMetrics) incChannelData()  {}

type promMetrics struct {
	stunMessages prometheus.Counter
	channelData  prometheus.Counter
}

func newPromMetrics(labels prometheus.Labels) *promMetrics {
	return &promMetrics{
		stunMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "turnd_stun_messages_count",
			Help:        "Received STUN messages count excluding filtered by rules.",
			ConstLabels: labels,
		}),
		channelData: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "turnd_channel_data_count",
			Help:        "Received ChannelData frames count.",
			ConstLabels: labels,
		}),
	}
}

func (m *promMetrics) Describe(d chan<- *prometheus.Desc) {
	d <- m.stunMessages.Desc()
	d <- m.channelData.Desc()
}

func (m *promMetrics) Collect(c chan<- prometheus.Metric) {
	m.stunMessages.Collect(c)
	m.channelData.Collect(c)
}

func (m *promMetrics) incSTUNMessages() { m.stunMessages.Inc() }
func (m *promMetrics) incChannelData()  { m.channelData.Inc() }
