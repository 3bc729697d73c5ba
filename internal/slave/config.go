/*
bms-slave - Segment controller configuration.
Copyright (C) 2024, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package slave

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/TheCacophonyProject/bms-slave/canmsg"
	"github.com/TheCacophonyProject/bms-slave/internal/supervisor"
	"github.com/TheCacophonyProject/bms-slave/ltc6811"
	"github.com/google/go-cmp/cmp"
	"github.com/rjeczalik/notify"
	"github.com/spf13/viper"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

const (
	DefaultConfigFile = "/etc/bms-slave/config.toml"
	configSection     = "bms"
)

// Config is the [bms] section of the config file. Voltages are in 0.1 mV
// and temperatures in 0.1 °C.
type Config struct {
	SegmentID      int    `mapstructure:"segment-id"`
	MinCellVoltage uint16 `mapstructure:"min-cell-voltage"`
	MaxCellVoltage uint16 `mapstructure:"max-cell-voltage"`
	MinTemp        int16  `mapstructure:"min-temp"`
	MaxTemp        int16  `mapstructure:"max-temp"`
	BalanceEpsilon uint16 `mapstructure:"balance-epsilon"`
	RollingDepth   int    `mapstructure:"rolling-depth"`
	PECPolicy      string `mapstructure:"pec-policy"`
	LimitSource    string `mapstructure:"limit-source"`

	Debounce          time.Duration `mapstructure:"debounce"`
	BalanceCheckTicks int           `mapstructure:"balance-check-ticks"`
	SamplePeriod      time.Duration `mapstructure:"sample-period"`
	SendPeriod        time.Duration `mapstructure:"send-period"`
	SendPacing        time.Duration `mapstructure:"send-pacing"`
	PollPeriod        time.Duration `mapstructure:"poll-period"`

	CANInterface string `mapstructure:"can-interface"`
	CANChannel   string `mapstructure:"can-channel"`
	CANBaseID    uint32 `mapstructure:"can-base-id"`

	SPIDevice    string `mapstructure:"spi-device"`
	SPIHz        int64  `mapstructure:"spi-hz"`
	SPICSPin     string `mapstructure:"spi-cs-pin"`
	InterlockPin string `mapstructure:"interlock-pin"`
	// InterlockSafeHigh selects the level that lets the vehicle stay energized.
	InterlockSafeHigh bool `mapstructure:"interlock-safe-high"`

	RedisAddr    string        `mapstructure:"redis-addr"`
	MirrorPeriod time.Duration `mapstructure:"mirror-period"`
}

func DefaultConfig() Config {
	sup := supervisor.DefaultConfig()
	return Config{
		MinCellVoltage:    sup.Limits.MinVolt,
		MaxCellVoltage:    sup.Limits.MaxVolt,
		MinTemp:           sup.Limits.MinTemp,
		MaxTemp:           sup.Limits.MaxTemp,
		BalanceEpsilon:    ltc6811.DefaultBalanceEpsilon,
		RollingDepth:      5,
		PECPolicy:         ltc6811.PECAccept.String(),
		LimitSource:       sup.LimitSource.String(),
		Debounce:          sup.Debounce,
		BalanceCheckTicks: sup.BalanceCheckTicks,
		SamplePeriod:      sup.SamplePeriod,
		SendPeriod:        sup.SendPeriod,
		SendPacing:        sup.SendPacing,
		PollPeriod:        sup.PollPeriod,
		CANInterface:      "socketcan",
		CANChannel:        "can0",
		CANBaseID:         canmsg.DefaultBaseID,
		SPIDevice:         "",
		SPIHz:             500000,
		InterlockPin:      "GPIO17",
		InterlockSafeHigh: true,
		MirrorPeriod:      time.Second,
	}
}

// ParseConfig reads the [bms] section of path on top of the defaults. A
// missing file gives the defaults.
func ParseConfig(path string) (*Config, error) {
	c := DefaultConfig()
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		log.Infof("No config file at %s, using defaults", path)
	}
	if err := v.UnmarshalKey(configSection, &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if err := c.limits().Validate(); err != nil {
		return err
	}
	if c.RollingDepth < 1 {
		return fmt.Errorf("rolling-depth must be at least 1, got %d", c.RollingDepth)
	}
	if c.Debounce <= 0 {
		return fmt.Errorf("debounce must be positive, got %s", c.Debounce)
	}
	for name, p := range map[string]time.Duration{
		"sample-period": c.SamplePeriod,
		"send-period":   c.SendPeriod,
		"poll-period":   c.PollPeriod,
	} {
		if p <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, p)
		}
	}
	if _, err := ltc6811.ParsePECPolicy(c.PECPolicy); err != nil {
		return err
	}
	if _, err := supervisor.ParseLimitSource(c.LimitSource); err != nil {
		return err
	}
	return nil
}

func (c *Config) limits() supervisor.Limits {
	return supervisor.Limits{
		MinVolt: c.MinCellVoltage,
		MaxVolt: c.MaxCellVoltage,
		MinTemp: c.MinTemp,
		MaxTemp: c.MaxTemp,
	}
}

// SupervisorConfig assumes c has been validated.
func (c *Config) SupervisorConfig() supervisor.Config {
	cfg := supervisor.DefaultConfig()
	cfg.Limits = c.limits()
	cfg.LimitSource, _ = supervisor.ParseLimitSource(c.LimitSource)
	cfg.Debounce = c.Debounce
	cfg.BalanceCheckTicks = c.BalanceCheckTicks
	cfg.SamplePeriod = c.SamplePeriod
	cfg.SendPeriod = c.SendPeriod
	cfg.SendPacing = c.SendPacing
	cfg.PollPeriod = c.PollPeriod
	return cfg
}

// DeviceOptions assumes c has been validated.
func (c *Config) DeviceOptions() ltc6811.Options {
	opts := ltc6811.DefaultOptions()
	opts.Thresholds = ltc6811.Thresholds{
		Undervoltage: c.MinCellVoltage,
		Overvoltage:  c.MaxCellVoltage,
	}
	opts.BalanceEpsilon = c.BalanceEpsilon
	opts.PECPolicy, _ = ltc6811.ParsePECPolicy(c.PECPolicy)
	return opts
}

func (c *Config) SPIFrequency() physic.Frequency {
	return physic.Frequency(c.SPIHz) * physic.Hertz
}

func (c *Config) InterlockSafeLevel() gpio.Level {
	return gpio.Level(c.InterlockSafeHigh)
}

// checkConfigChanges compares the config from when first loaded to a new
// config each time the file is modified. If there is a difference the
// program exits and systemd restarts the service with the new config.
func checkConfigChanges(conf *Config, path string) error {
	fsEvents := make(chan notify.EventInfo, 1)
	if err := notify.Watch(path, fsEvents, notify.InCloseWrite, notify.InMovedTo); err != nil {
		return err
	}
	defer notify.Stop(fsEvents)

	for {
		<-fsEvents
		newConfig, err := ParseConfig(path)
		if err != nil {
			log.Error("error reloading config:", err)
			continue
		}
		diff := cmp.Diff(conf, newConfig)
		log.Debug("Config diff:", diff)
		if diff != "" {
			log.Info("Config changed. Exiting to allow systemctl to restart service.")
			os.Exit(0)
		}
		log.Info("No relevant changes detected in config file.")
	}
}
