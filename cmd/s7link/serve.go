package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"s7link/api"
	"s7link/config"
	"s7link/kafka"
	"s7link/logging"
	"s7link/mqtt"
	"s7link/poller"
	"s7link/retry"
	"s7link/s7"
	"s7link/valkey"
)

// writeTimeout bounds one write-back request including retries.
const writeTimeout = 30 * time.Second

// app owns the shared client and exposes it to the HTTP shim and the
// MQTT write handler.
type app struct {
	cfg    *config.Config
	client *s7.Client
	policy retry.Config
	poller *poller.Poller
}

func (a *app) Client() *s7.Client { return a.client }

func (a *app) RetryPolicy() retry.Config { return a.policy }

func (a *app) Health() []poller.Health {
	if a.poller == nil {
		return nil
	}
	return []poller.Health{a.poller.GetHealth()}
}

func watchesFromConfig(ws []config.WatchConfig) []poller.Watch {
	out := make([]poller.Watch, 0, len(ws))
	for _, w := range ws {
		out = append(out, poller.Watch{Name: w.Name, Address: w.Address, TypeHint: w.Type})
	}
	return out
}

// writeValue writes value to a watch by tag name, or to address with
// typeHint when no tag is given.
func (a *app) writeValue(source, plcName, tag, address, typeHint string, value interface{}) error {
	if tag != "" {
		w := a.cfg.FindWatch(tag)
		if w == nil {
			return fmt.Errorf("unknown tag %q on %s", tag, plcName)
		}
		address = w.Address
		if typeHint == "" {
			typeHint = w.Type
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	err := retry.Do(ctx, a.policy, func() error {
		return a.client.WriteTag(address, typeHint, value)
	})
	if err == nil {
		logEvent("%s write %s %s = %v", source, plcName, address, value)
	}
	return err
}

func (a *app) handleMQTTWrite(plcName string, req mqtt.WriteRequest) error {
	return a.writeValue("MQTT", plcName, req.Tag, req.Address, req.Type, req.Value)
}

func (a *app) handleKafkaWrite(plcName string, req kafka.WriteRequest) error {
	return a.writeValue("Kafka", plcName, req.Tag, req.Address, req.Type, req.Value)
}

// runServe is the long-running gateway: HTTP shim, poller and publishers.
func runServe(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	noAPI := fs.Bool("no-api", false, "Disable the HTTP shim (ephemeral)")
	noPoll := fs.Bool("no-poll", false, "Disable polling and publishing (ephemeral)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := cfg.PLC.NewClient()
	if err != nil {
		return err
	}
	a := &app{cfg: cfg, client: client, policy: cfg.Retry.Policy()}

	mqttMgr := mqtt.NewManager()
	mqttMgr.LoadFromConfig(cfg.MQTT, cfg.Namespace)
	mqttMgr.SetWriteHandler(a.handleMQTTWrite, cfg.PLC.Name)

	valkeyMgr := valkey.NewManager()
	valkeyMgr.LoadFromConfig(cfg.Valkey, cfg.Namespace)

	kafkaMgr := kafka.NewManager()
	kafkaMgr.LoadFromConfig(cfg.Kafka, cfg.Namespace)
	kafkaMgr.SetWriteHandler(a.handleKafkaWrite, cfg.PLC.Name)

	var webServer *api.Server
	if cfg.Web.Enabled && !*noAPI {
		webServer = api.NewServer(a, &cfg.Web)
	}

	watches := watchesFromConfig(cfg.Poll.Watches)
	if len(watches) > 0 && !*noPoll {
		a.poller = poller.New(cfg.PLC.Name, client, watches, cfg.Poll.Rate, a.policy)
		a.poller.AddSink(mqttMgr)
		a.poller.AddSink(valkeyMgr)
		a.poller.AddSink(kafkaMgr)
		if webServer != nil {
			a.poller.AddSink(webServer.Events())
		}
	}

	if webServer != nil {
		if err := webServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to start HTTP server: %v\n", err)
			fmt.Fprintf(os.Stderr, "Continuing without HTTP server.\n")
			webServer = nil
		} else {
			fmt.Printf("HTTP shim at %s\n", webServer.Address())
			logEvent("HTTP shim listening at %s", webServer.Address())
		}
	}

	if a.poller != nil {
		a.poller.Start()
		fmt.Printf("Polling %d addresses on %s every %v\n", len(watches), client.Address(), cfg.Poll.Rate)
	}

	// Publishers connect in the background; once up they get the current values.
	go func() {
		if started := mqttMgr.StartAll(); started > 0 && a.poller != nil {
			mqttMgr.PublishChanges(a.poller.AllValues())
		}
	}()
	go func() {
		if started := valkeyMgr.StartAll(); started > 0 && a.poller != nil {
			valkeyMgr.PublishChanges(a.poller.AllValues())
		}
	}()
	go func() {
		if n := kafkaMgr.ConnectAll(); n > 0 {
			logEvent("Connected %d Kafka clusters", n)
		}
	}()

	fmt.Println("Running. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	fmt.Printf("\nReceived %v, shutting down...\n", sig)
	logEvent("Shutting down on %v", sig)

	shutdownDone := make(chan struct{})
	go func() {
		if a.poller != nil {
			a.poller.Stop()
		}
		if webServer != nil {
			webServer.Stop()
		}
		mqttMgr.StopAll()
		valkeyMgr.StopAll()
		kafkaMgr.StopAll()
		if err := client.Close(); err != nil {
			logging.DebugError("s7", "close", err)
		}
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(2 * time.Second):
		client.Abort()
	}

	fmt.Println("Stopped")
	return nil
}
