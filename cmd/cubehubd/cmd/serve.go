package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kagami-house/cube-hub/internal/cubehub"
	"github.com/kagami-house/cube-hub/internal/outside"
)

var log = logrus.New()

func init() {
	rootCmd.RunE = runServe
}

func runServe(cmd *cobra.Command, args []string) error {
	log.Formatter = new(logrus.TextFormatter)
	log.Level = logrus.InfoLevel

	sinks := buildSinks()
	hub, err := cubehub.Init(rosterFile, outside.NewFanout(sinks...))
	if err != nil {
		return fmt.Errorf("cubehubd: %w", err)
	}

	monitor := newMonitor(hub)
	log.WithField("addr", wsListenAddr).Info("cubehubd: starting status monitor")
	return monitor.listenAndServe(wsListenAddr)
}

func buildSinks() []outside.Sink {
	var sinks []outside.Sink

	if redisAddr != "" {
		log.WithField("addr", redisAddr).Info("cubehubd: redis sink enabled")
		sinks = append(sinks, outside.NewRedisSink(redisAddr))
	}

	if mqttBroker != "" {
		sink, err := outside.NewMQTTSink(mqttBroker, mqttTopicPrefix, mqttClientID)
		if err != nil {
			log.WithError(err).Error("cubehubd: mqtt sink disabled, connect failed")
		} else {
			log.WithField("broker", mqttBroker).Info("cubehubd: mqtt sink enabled")
			sinks = append(sinks, sink)
		}
	}

	return sinks
}
