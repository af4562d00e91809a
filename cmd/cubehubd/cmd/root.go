// Package cmd is cubehubd's cobra command tree, a complete entrypoint
// with persistent flags for the roster file and every telemetry sink.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	rosterFile string

	redisAddr string

	mqttBroker      string
	mqttTopicPrefix string
	mqttClientID    string

	wsListenAddr string
)

var rootCmd = &cobra.Command{
	Use:   "cubehubd",
	Short: "Cube hub daemon",
	Long: `cubehubd attaches to every cube listed in a roster file, keeps
each one's render pacing and BLE link alive, and republishes their
telemetry to Redis, MQTT and a live WebSocket status feed.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rosterFile, "roster", "roster.json5", "Cube roster file (json5)")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", "", "Redis address (host:port); empty disables the Redis sink")
	rootCmd.PersistentFlags().StringVar(&mqttBroker, "mqtt-broker", "", "MQTT broker URL (tcp://host:1883); empty disables the MQTT sink")
	rootCmd.PersistentFlags().StringVar(&mqttTopicPrefix, "mqtt-prefix", "cubehub", "MQTT topic prefix")
	rootCmd.PersistentFlags().StringVar(&mqttClientID, "mqtt-client-id", "", "MQTT client ID; empty lets the broker assign one")
	rootCmd.PersistentFlags().StringVar(&wsListenAddr, "ws-listen", ":8088", "Listen address for the debug WebSocket status feed")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
