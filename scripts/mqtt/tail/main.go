// Prints the batches the mqttout plugin publishes, one text line per point.
//
// Usage:
//
//	go run ./scripts/mqtt/tail -broker tcp://localhost:1883 -topic pulse/measurements
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/basekick-labs/pulse/internal/codec"
)

var (
	broker   = flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
	clientID = flag.String("client", "pulse-tail", "MQTT client ID")
	topic    = flag.String("topic", "pulse/measurements", "Topic to subscribe to (supports wildcards)")
	qos      = flag.Int("qos", 1, "QoS level (0, 1, or 2)")
	username = flag.String("username", "", "MQTT username")
	password = flag.String("password", "", "MQTT password")
)

var (
	batches atomic.Int64
	points  atomic.Int64
	bad     atomic.Int64
)

func main() {
	flag.Parse()

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID(*clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	if *username != "" {
		opts.SetUsername(*username)
		opts.SetPassword(*password)
	}

	// subscribe again after every reconnect
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		token := c.Subscribe(*topic, byte(*qos), onMessage)
		if token.WaitTimeout(10*time.Second) && token.Error() == nil {
			fmt.Fprintf(os.Stderr, "subscribed to %s on %s\n", *topic, *broker)
		} else {
			fmt.Fprintf(os.Stderr, "subscribe error: %v\n", token.Error())
		}
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		fmt.Fprintf(os.Stderr, "connection lost: %v\n", err)
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		fmt.Fprintln(os.Stderr, "connection timeout")
		os.Exit(1)
	}
	if err := token.Error(); err != nil {
		fmt.Fprintf(os.Stderr, "connection error: %v\n", err)
		os.Exit(1)
	}
	defer client.Disconnect(1000)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Fprintf(os.Stderr, "\n%d batches, %d points, %d undecodable messages\n",
		batches.Load(), points.Load(), bad.Load())
}

func onMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	batch, err := codec.Decode(msg.Payload())
	if err != nil {
		bad.Add(1)
		fmt.Fprintf(os.Stderr, "%s: %v\n", msg.Topic(), err)
		return
	}
	batches.Add(1)
	points.Add(int64(len(batch.Points)))

	var line []byte
	for _, r := range batch.Points {
		line = append(r.AppendText(line[:0]), '\n')
		os.Stdout.Write(line)
	}
}
