package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const envPrefix = "DRIVEWATCH_"

// LoadDotEnv reads KEY=VALUE pairs from the given files (".env" when none)
// into the process environment. Missing files are not an error; variables
// already set are left alone.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv overlays DRIVEWATCH_* variables onto cfg.
func ApplyEnv(cfg *Config) {
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFile.Path, "LOG_FILE")
	setString(&cfg.Device.DeviceID, "DEVICE_ID")
	setString(&cfg.Device.DriverID, "DRIVER_ID")
	setString(&cfg.Device.DriverName, "DRIVER_NAME")
	setString(&cfg.Device.DriverEmail, "DRIVER_EMAIL")
	setString(&cfg.Sensor.Link, "SENSOR_LINK")
	setString(&cfg.Sensor.TCP.Addr, "SENSOR_TCP_ADDR")
	setString(&cfg.Sensor.Replay.File, "SENSOR_REPLAY_FILE")
	setList(&cfg.Sensor.Kafka.Brokers, "SENSOR_KAFKA_BROKERS")
	setString(&cfg.Sensor.Kafka.Topic, "SENSOR_KAFKA_TOPIC")
	setString(&cfg.Sensor.Kafka.GroupID, "SENSOR_KAFKA_GROUP_ID")
	setString(&cfg.Vision.Source, "VISION_SOURCE")
	setString(&cfg.Vision.Addr, "VISION_ADDR")
	setString(&cfg.Storage.Driver, "STORAGE_DRIVER")
	setString(&cfg.Storage.DSN, "STORAGE_DSN")
	setList(&cfg.Notify.Kafka.Brokers, "NOTIFY_KAFKA_BROKERS")
	setString(&cfg.Notify.Kafka.Topic, "NOTIFY_KAFKA_TOPIC")
	if len(cfg.Notify.Kafka.Brokers) > 0 && cfg.Notify.Kafka.Topic != "" {
		if v, ok := lookup("NOTIFY_KAFKA_ENABLED"); ok {
			cfg.Notify.Kafka.Enabled = v == "1" || strings.EqualFold(v, "true")
		}
	}
	setString(&cfg.API.Addr, "API_ADDR")
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func setString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}
