package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/itohio/bsstream/pkg/acquire"
	"github.com/itohio/bsstream/pkg/config"
	"github.com/itohio/bsstream/pkg/device"
	"github.com/itohio/bsstream/pkg/metrics"
	"github.com/itohio/bsstream/pkg/sink"
	"github.com/sirupsen/logrus"
)

func main() {
	var (
		configFlag     = flag.String("config", "config.yaml", "Configuration file path")
		portFlag       = flag.String("p", "", "Serial port override (e.g., COM3 or /dev/ttyUSB0)")
		rateFlag       = flag.Int("rate", 0, "Sample rate per channel in Hz (overrides config)")
		channelsFlag   = flag.Int("channels", 0, "Number of channels, 1 or 2 (overrides config)")
		resolutionFlag = flag.String("resolution", "", "Resolution: low or macro (overrides config)")
		outputFlag     = flag.String("o", "", "Output file path (overrides config)")
		mockFlag       = flag.Bool("mock", false, "Use simulated device instead of serial port")
		listFlag       = flag.Bool("list", false, "List serial ports and exit")
		saveFlag       = flag.Bool("save-config", false, "Write the effective configuration to -config and exit")
	)
	flag.Parse()

	if *listFlag {
		if err := listPorts(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *portFlag != "" {
		cfg.Serial.Port = *portFlag
	}
	if *rateFlag > 0 {
		cfg.Acquisition.SampleRate = *rateFlag
	}
	if *channelsFlag > 0 {
		cfg.Acquisition.Channels = *channelsFlag
	}
	if *resolutionFlag != "" {
		cfg.Acquisition.Resolution = *resolutionFlag
	}
	if *outputFlag != "" {
		cfg.Sink.File.Path = *outputFlag
	}

	if *saveFlag {
		if err := cfg.Save(*configFlag); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to save configuration: %v\n", err)
			os.Exit(1)
		}
		return
	}

	log := setupLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *mockFlag, log); err != nil {
		log.WithError(err).Error("Acquisition failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, mock bool, log *logrus.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	opts, err := acquire.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}

	m := metrics.New()
	if cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           m.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.WithField("addr", cfg.Metrics.Addr).Info("Metrics server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Debug("failed to stop metrics server")
			}
		}()
	}

	var link device.Link
	if mock {
		log.Info("Using simulated device")
		link = device.NewMock(&cfg.Mock)
	} else {
		link, err = device.OpenSerial(cfg.Serial)
		if err != nil {
			return err
		}
		log.WithField("port", cfg.Serial.Port).Info("Serial port opened")
	}
	conn := device.NewConn(link, cfg.Serial.ReadTimeout, cfg.Serial.AckTimeout, log.WithField("component", "device"))

	out, err := sink.FromConfig(ctx, cfg.Sink, log)
	if err != nil {
		conn.Close()
		return err
	}

	session, err := acquire.New(conn, out, opts, m, log)
	if err != nil {
		conn.Close()
		out.Close()
		return err
	}

	if err := session.Run(ctx); err != nil {
		return err
	}

	st := session.Stats()
	log.WithFields(logrus.Fields{
		"chunks":   st.ChunksRead,
		"decoded":  st.ChunksDecoded,
		"dropped":  st.ChunksDropped,
		"timeouts": st.ReadTimeouts,
		"samples":  st.Samples,
		"sink_err": st.SinkErrors,
	}).Info("Done")
	return nil
}

func listPorts() error {
	ports, err := device.Ports()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Printf("%s\t%s\n", p.Name, p.Description)
	}
	return nil
}
