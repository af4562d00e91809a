// Package cmd is cubetest's cobra command tree: a factory-test
// fixture driver that puts one cube's nrf8001 radio into its BTLE
// test phases on command from a serial-attached console.
package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kagami-house/cube-hub/internal/factorytest"
	"github.com/kagami-house/cube-hub/internal/nrf8001"
	"github.com/kagami-house/cube-hub/internal/spibus"
)

var log = logrus.New()

var (
	spiClockHz    int
	spiRequestPin string
	spiReadyPin   string

	serialPort string
	serialBaud int
)

var rootCmd = &cobra.Command{
	Use:   "cubetest",
	Short: "BTLE factory-test fixture driver",
	Long: `cubetest brings up one cube's nrf8001 radio and bridges it to a
serial-attached test console: phase commands come in over serial,
echo/DTM packet reports go back out the same way.`,
	RunE: run,
}

func init() {
	rootCmd.Flags().IntVar(&spiClockHz, "spi-clock", 1000000, "SPI clock rate in Hz")
	rootCmd.Flags().StringVar(&spiRequestPin, "request-pin", "GPIO22", "REQN GPIO line")
	rootCmd.Flags().StringVar(&spiReadyPin, "ready-pin", "GPIO23", "RDYN GPIO line")

	rootCmd.Flags().StringVar(&serialPort, "serial-port", "/dev/ttyUSB0", "Serial port to the test console")
	rootCmd.Flags().IntVar(&serialBaud, "serial-baud", 115200, "Serial baud rate")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// noopUpper is the UpperLayer for a driver that's only ever asked to
// run BTLE test phases: there's no application data pipe traffic to
// produce or consume in this tool.
type noopUpper struct{}

func (noopUpper) OnProduceData(buf []byte) int { return 0 }
func (noopUpper) OnReceiveData(data []byte)    {}
func (noopUpper) OnConnect()                   {}
func (noopUpper) OnDisconnect()                {}

func run(cmd *cobra.Command, args []string) error {
	log.Formatter = new(logrus.TextFormatter)
	log.Level = logrus.InfoLevel

	bus := spibus.New()
	driver := nrf8001.New(bus, noopUpper{}, [4]byte{})

	fixture, err := factorytest.Open(factorytest.Settings{PortName: serialPort, Speed: serialBaud}, driver)
	if err != nil {
		return fmt.Errorf("cubetest: %w", err)
	}
	defer fixture.Close()
	driver.SetFactoryTestSink(fixture)

	if err := driver.Init(nrf8001.BusConfig{
		ClockHz:    spiClockHz,
		RequestPin: spiRequestPin,
		ReadyPin:   spiReadyPin,
	}); err != nil {
		return fmt.Errorf("cubetest: driver.Init: %w", err)
	}

	log.WithField("serial", serialPort).Info("cubetest: fixture ready, waiting for phase commands")
	select {}
}
