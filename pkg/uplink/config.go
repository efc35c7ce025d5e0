package uplink

import (
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/batteryrelay/pkg/common"
	"github.com/raterudder/batteryrelay/pkg/connectivity"
)

// Configured sets up the network, time and broker providers based on flags.
// The providers are chosen once flags are parsed.
func Configured() (connectivity.Network, connectivity.TimeSource, connectivity.Broker) {
	networkProvider := lflag.String("network-provider", "none", "Network provider to use (available: none, networkmanager)")
	wifiInterface := lflag.String("wifi-interface", "wlan0", "Wireless interface used by the networkmanager provider")
	brokerProvider := lflag.String("broker-provider", "mqtt", "Broker provider to use (available: mqtt, redis)")
	clientIDPrefix := lflag.String("mqtt-client-id-prefix", "batteryrelay", "Prefix of the random MQTT client id")
	keepAlive := lflag.Duration("mqtt-keepalive", 30*time.Second, "MQTT keep-alive interval")
	redisDB := lflag.Int("redis-db", 0, "Redis database when broker-provider is redis")
	ntpTimeout := lflag.Duration("ntp-timeout", 5*time.Second, "Timeout for a single time server query")

	var n struct{ connectivity.Network }
	var b struct{ connectivity.Broker }
	times := &NTPTimeSource{}

	lflag.Do(func() {
		switch *networkProvider {
		case "none":
			n.Network = NoNetwork{}
		case "networkmanager":
			if *wifiInterface == "" {
				panic("wifi-interface is required for the networkmanager provider")
			}
			n.Network = NewNMNetwork(*wifiInterface)
		default:
			panic(fmt.Sprintf("unknown network provider: %s", *networkProvider))
		}

		switch *brokerProvider {
		case "mqtt":
			b.Broker = NewMQTTBroker(common.ClientID(*clientIDPrefix), *keepAlive)
		case "redis":
			b.Broker = &RedisBroker{DB: *redisDB}
		default:
			panic(fmt.Sprintf("unknown broker provider: %s", *brokerProvider))
		}

		times.Timeout = *ntpTimeout
	})

	return &n, times, &b
}
