// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package redfish

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stmcginnis/gofish"
	"github.com/stmcginnis/gofish/redfish"

	"github.com/galvani-project/galvani/internal/device"
)

// PowerReader reads chassis power from one BMC. It prefers the modern
// PowerSubsystem API and falls back to the deprecated Power API; the choice
// is made once at Init and reused for every read.
type PowerReader struct {
	logger *slog.Logger

	cfg    gofish.ClientConfig
	client *gofish.APIClient

	strategy PowerAPIStrategy
}

// NewPowerReader prepares a reader for bmc. No connection is made until Init.
func NewPowerReader(bmc *BMCDetail, httpTimeout time.Duration, logger *slog.Logger) *PowerReader {
	httpClient := &http.Client{
		Timeout: httpTimeout,
	}
	if bmc.Insecure {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return &PowerReader{
		logger: logger,
		cfg: gofish.ClientConfig{
			Endpoint:   bmc.Endpoint,
			Username:   bmc.Username,
			Password:   bmc.Password,
			HTTPClient: httpClient,
		},
	}
}

// Init connects to the BMC and probes which power API carries data.
// gofish keeps the connect context for every later request, so the client
// must not be built on a context that expires.
func (pr *PowerReader) Init() error {
	client, err := gofish.Connect(pr.cfg)
	if err != nil {
		return fmt.Errorf("connecting to BMC at %s: %w", pr.cfg.Endpoint, err)
	}

	cleanup := true
	defer func() {
		if cleanup {
			client.Logout()
		}
	}()

	if client.Service == nil {
		return fmt.Errorf("BMC at %s exposes no service root", pr.cfg.Endpoint)
	}

	chassis, err := client.Service.Chassis()
	if err != nil {
		return fmt.Errorf("listing chassis: %w", err)
	}
	if len(chassis) == 0 {
		return fmt.Errorf("BMC at %s reports no chassis", pr.cfg.Endpoint)
	}

	strategy, err := pr.determineStrategy(chassis)
	if err != nil {
		return err
	}

	pr.client = client
	pr.strategy = strategy
	cleanup = false
	pr.logger.Info("Power reading strategy determined", "endpoint", pr.cfg.Endpoint, "strategy", string(strategy))
	return nil
}

// Close logs out of the BMC session.
func (pr *PowerReader) Close() {
	if pr.client == nil {
		return
	}
	pr.client.Logout()
	pr.client = nil
}

// determineStrategy probes chassis until one answers on a supported API.
func (pr *PowerReader) determineStrategy(chassis []*redfish.Chassis) (PowerAPIStrategy, error) {
	for i, c := range chassis {
		if c == nil {
			pr.logger.Warn("Skipping nil chassis during strategy probe", "index", i)
			continue
		}
		if _, err := pr.readPowerSubsystem(c); err == nil {
			return PowerSubsystemStrategy, nil
		}
		if _, err := pr.readPower(c); err == nil {
			return PowerStrategy, nil
		}
	}
	return UnknownStrategy, fmt.Errorf(
		"neither PowerSubsystem nor Power carries data on any of %d chassis", len(chassis))
}

// ReadAll collects power readings from every chassis using the strategy
// settled at Init. Chassis that fail to answer are skipped; at least one
// must yield a reading.
func (pr *PowerReader) ReadAll() ([]Chassis, error) {
	if pr.client == nil {
		return nil, fmt.Errorf("BMC client is not connected; call Init first")
	}

	chassis, err := pr.client.Service.Chassis()
	if err != nil {
		return nil, fmt.Errorf("listing chassis: %w", err)
	}
	if len(chassis) == 0 {
		return nil, fmt.Errorf("BMC reports no chassis")
	}

	var out []Chassis
	for i, ch := range chassis {
		if ch == nil {
			pr.logger.Warn("Skipping nil chassis", "index", i)
			continue
		}

		var readings []Reading
		switch pr.strategy {
		case PowerSubsystemStrategy:
			readings, err = pr.readPowerSubsystem(ch)
		case PowerStrategy:
			readings, err = pr.readPower(ch)
		default:
			return nil, fmt.Errorf("power reading strategy not determined; call Init first")
		}
		if err != nil {
			pr.logger.Warn("Failed to read chassis power",
				"chassis", ch.ID, "strategy", pr.strategy, "err", err)
			continue
		}
		if len(readings) > 0 {
			out = append(out, Chassis{ID: ch.ID, Readings: readings})
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no chassis yielded power readings")
	}
	return out, nil
}

func (pr *PowerReader) readPowerSubsystem(chassis *redfish.Chassis) ([]Reading, error) {
	subsystem, err := chassis.PowerSubsystem()
	if err != nil {
		return nil, fmt.Errorf("getting power subsystem: %w", err)
	}
	if subsystem == nil {
		return nil, fmt.Errorf("no power subsystem available")
	}

	supplies, err := subsystem.PowerSupplies()
	if err != nil {
		return nil, fmt.Errorf("getting power supplies: %w", err)
	}
	if len(supplies) == 0 {
		return nil, fmt.Errorf("no power supplies found")
	}

	var readings []Reading
	for _, supply := range supplies {
		// A powered-off or absent supply reports zero output.
		if supply.PowerOutputWatts == 0 {
			continue
		}
		readings = append(readings, Reading{
			SourceID:   supply.ID,
			SourceName: supply.Name,
			SourceType: PowerSupplySource,
			Power:      Power(supply.PowerOutputWatts) * device.Watt,
		})
	}
	if len(readings) == 0 {
		return nil, fmt.Errorf("no power supply carries output watts")
	}
	return readings, nil
}

func (pr *PowerReader) readPower(chassis *redfish.Chassis) ([]Reading, error) {
	power, err := chassis.Power()
	if err != nil {
		return nil, fmt.Errorf("getting power information: %w", err)
	}
	if power == nil || len(power.PowerControl) == 0 {
		return nil, fmt.Errorf("no power control information available")
	}

	var readings []Reading
	for _, control := range power.PowerControl {
		if control.PowerConsumedWatts == 0 {
			continue
		}
		readings = append(readings, Reading{
			SourceID:   control.MemberID,
			SourceName: control.Name,
			SourceType: PowerControlSource,
			Power:      Power(control.PowerConsumedWatts) * device.Watt,
		})
	}
	if len(readings) == 0 {
		return nil, fmt.Errorf("no power control entry carries consumed watts")
	}
	return readings, nil
}
