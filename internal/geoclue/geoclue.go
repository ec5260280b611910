// Package geoclue resolves the machine's location through the
// GeoClue2 service on the system D-Bus. Used only when neither
// coordinates nor fixed sun times are configured.
package geoclue

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"
)

const (
	service     = "org.freedesktop.GeoClue2"
	managerPath = "/org/freedesktop/GeoClue2/Manager"
	managerIfc  = "org.freedesktop.GeoClue2.Manager"
	clientIfc   = "org.freedesktop.GeoClue2.Client"
	locationIfc = "org.freedesktop.GeoClue2.Location"
)

const (
	pollInterval = 200 * time.Millisecond
	waitDeadline = 8 * time.Second
)

// Locate asks GeoClue for a city-level fix and returns latitude and
// longitude in degrees. It polls the client's Location property until
// a fix arrives or the deadline passes.
func Locate(ctx context.Context, desktopID string) (lat, lon float64, err error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return 0, 0, fmt.Errorf("connect to system bus: %w", err)
	}

	manager := conn.Object(service, managerPath)
	var clientPath dbus.ObjectPath
	if err := manager.CallWithContext(ctx, managerIfc+".CreateClient", 0).Store(&clientPath); err != nil {
		return 0, 0, fmt.Errorf("create geoclue client: %w", err)
	}

	client := conn.Object(service, clientPath)
	if err := client.SetProperty(clientIfc+".DesktopId", dbus.MakeVariant(desktopID)); err != nil {
		return 0, 0, fmt.Errorf("set desktop id: %w", err)
	}
	if err := client.SetProperty(clientIfc+".RequestedAccuracyLevel", dbus.MakeVariant(uint32(3))); err != nil {
		return 0, 0, fmt.Errorf("set accuracy level: %w", err)
	}
	if err := client.CallWithContext(ctx, clientIfc+".Start", 0).Err; err != nil {
		return 0, 0, fmt.Errorf("start geoclue client: %w", err)
	}
	defer client.Call(clientIfc+".Stop", 0)

	log.Info().Msg("Waiting for GeoClue location fix")

	deadline := time.Now().Add(waitDeadline)
	var locPath dbus.ObjectPath
	for {
		v, err := client.GetProperty(clientIfc + ".Location")
		if err != nil {
			return 0, 0, fmt.Errorf("read location property: %w", err)
		}
		if p, ok := v.Value().(dbus.ObjectPath); ok && p != "" && p != "/" {
			locPath = p
			break
		}
		if time.Now().After(deadline) {
			return 0, 0, fmt.Errorf("geoclue did not provide a location within %s", waitDeadline)
		}
		select {
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	location := conn.Object(service, locPath)
	latV, err := location.GetProperty(locationIfc + ".Latitude")
	if err != nil {
		return 0, 0, fmt.Errorf("read latitude: %w", err)
	}
	lonV, err := location.GetProperty(locationIfc + ".Longitude")
	if err != nil {
		return 0, 0, fmt.Errorf("read longitude: %w", err)
	}
	lat, _ = latV.Value().(float64)
	lon, _ = lonV.Value().(float64)

	log.Info().Float64("lat", lat).Float64("lon", lon).Msg("Location resolved via GeoClue")
	return lat, lon, nil
}
