package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/batman-mesh/livemap/internal/config"
	"github.com/batman-mesh/livemap/internal/dispatcher"
	"github.com/batman-mesh/livemap/internal/feed"
	"github.com/batman-mesh/livemap/internal/mesh"
	"github.com/batman-mesh/livemap/internal/server"
)

const mqttTimeout = 10 * time.Second

// ingest holds the optional mesh and feed inputs.
type ingest struct {
	Transport   mesh.Transport
	Receiver    *mesh.Receiver
	Transmitter *mesh.Transmitter
	Tasks       []server.Task
}

// setupIngest opens the mesh transport and the GTFS-RT poller when
// configured. Both feed the dispatcher; neither writes to the store.
func setupIngest(mc config.MeshConfig, fc config.FeedConfig, d *dispatcher.Dispatcher, logger *slog.Logger) (*ingest, error) {
	ing := &ingest{}

	if mc.Enabled {
		t, err := openTransport(mc, logger)
		if err != nil {
			return nil, err
		}
		ing.Transport = t
		meshLog := logger.With("component", "mesh", "transport", mc.Transport)
		ing.Receiver = mesh.NewReceiver(t, d, meshLog)
		ing.Transmitter = mesh.NewTransmitter(t, meshLog)
		ing.Tasks = append(ing.Tasks,
			server.Task{Name: "mesh receiver", Runner: ing.Receiver},
			server.Task{Name: "mesh transmitter", Runner: ing.Transmitter},
		)
	}

	if fc.GTFSRTURL != "" {
		src := feed.NewGTFSRTSource(fc.GTFSRTURL, fc.Timeout)
		poller := feed.NewPoller(src, d, fc.Interval, fc.Timeout, logger.With("component", "feed"))
		ing.Tasks = append(ing.Tasks, server.Task{Name: "gtfs-rt feed", Runner: poller})
		logger.Info("GTFS-RT feed enabled", "url", fc.GTFSRTURL, "interval", fc.Interval)
	}

	return ing, nil
}

func openTransport(mc config.MeshConfig, logger *slog.Logger) (mesh.Transport, error) {
	switch mc.Transport {
	case "udp":
		t, err := mesh.ListenUDP(mc.UDP.ListenAddress, mc.UDP.BroadcastAddress)
		if err != nil {
			return nil, fmt.Errorf("mesh udp: %w", err)
		}
		logger.Info("Mesh UDP transport listening", "address", t.LocalAddr().String(), "broadcast", mc.UDP.BroadcastAddress)
		return t, nil
	case "mqtt":
		t, err := mesh.DialMQTT(mesh.MQTTConfig{
			Broker:    mc.MQTT.Broker,
			Topic:     mc.MQTT.Topic,
			ClientID:  mc.MQTT.ClientID,
			QueueSize: mc.QueueSize,
			Timeout:   mqttTimeout,
		}, logger.With("component", "mqtt"))
		if err != nil {
			return nil, fmt.Errorf("mesh mqtt: %w", err)
		}
		logger.Info("Mesh MQTT transport connected", "broker", mc.MQTT.Broker, "topic", mc.MQTT.Topic)
		return t, nil
	default:
		return nil, fmt.Errorf("unknown mesh transport %q", mc.Transport)
	}
}

// Close releases the mesh transport.
func (i *ingest) Close() {
	if i.Transport != nil {
		_ = i.Transport.Close()
	}
}
