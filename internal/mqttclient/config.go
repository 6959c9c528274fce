package mqttclient

import "solartracker/solarsync/internal/config"

// FromConfig returns transport options and the topic layout for cfg. The
// caller fills in ClientID, or leaves it to the component that owns the
// connection.
func FromConfig(cfg config.Config) (Options, Topics) {
	return Options{
		BrokerURL:         cfg.MQTTURL,
		Username:          cfg.MQTTUsername,
		Password:          cfg.MQTTPassword,
		KeepAlive:         cfg.MQTTKeepAlive,
		ConnectTimeout:    cfg.MQTTConnectTimeout,
		ReconnectInterval: cfg.MQTTReconnectInterval,
		PublishTimeout:    cfg.MQTTPublishTimeout,
	}, Topics{Prefix: cfg.MQTTTopicPrefix}
}
