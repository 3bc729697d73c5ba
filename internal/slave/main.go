/*
bms-slave - BMS slave board monitoring and safety service.
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
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/TheCacophonyProject/bms-slave/bms"
	"github.com/TheCacophonyProject/bms-slave/canmsg"
	"github.com/TheCacophonyProject/bms-slave/internal/logging"
	"github.com/TheCacophonyProject/bms-slave/internal/supervisor"
	"github.com/TheCacophonyProject/bms-slave/ltc6811"
	"github.com/TheCacophonyProject/bms-slave/serialhelper"
	arg "github.com/alexflint/go-arg"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

var version = "No version provided"

var log = logging.NewLogger("info")

type serviceCmd struct{}

type probeCmd struct{}

type pecCmd struct {
	Bytes []string `arg:"positional,required" help:"Bytes in hex, e.g. 00 01 or 0001"`
}

type Args struct {
	Service    *serviceCmd `arg:"subcommand:service" help:"Run the monitoring and safety service"`
	Probe      *probeCmd   `arg:"subcommand:probe" help:"Initialise the monitor, take one sample and print it as JSON"`
	PEC        *pecCmd     `arg:"subcommand:pec" help:"Print the LTC6811 PEC of the given bytes"`
	ConfigFile string      `arg:"--config" help:"Path to the config file"`
	SerialLog  string      `arg:"--serial-log" help:"Also write logs to this serial device"`
	SerialBaud int         `arg:"--serial-baud" help:"Baud rate for --serial-log"`
	logging.LogArgs
}

func (Args) Version() string {
	return version
}

var defaultArgs = Args{
	ConfigFile: DefaultConfigFile,
	SerialBaud: 115200,
}

func procArgs(input []string) (Args, error) {
	args := defaultArgs

	parser, err := arg.NewParser(arg.Config{}, &args)
	if err != nil {
		return Args{}, err
	}
	err = parser.Parse(input)
	if errors.Is(err, arg.ErrHelp) {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if errors.Is(err, arg.ErrVersion) {
		fmt.Println(version)
		os.Exit(0)
	}
	if err == nil && parser.Subcommand() == nil {
		err = errors.New("no subcommand given")
	}
	return args, err
}

func Run(inputArgs []string, ver string) error {
	version = ver
	args, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}

	log = logging.NewLogger(args.LogLevel)
	supervisor.SetLogger(log)
	canmsg.SetLogger(log)

	if args.PEC != nil {
		return printPEC(args.PEC.Bytes)
	}

	log.Info("Running version: ", version)

	if args.SerialLog != "" {
		port, err := serialhelper.Open(args.SerialLog, args.SerialBaud, 3, time.Second)
		if err != nil {
			log.Warnf("Not logging to %s: %v", args.SerialLog, err)
		} else {
			defer port.Close()
			log.SetOutput(io.MultiWriter(os.Stderr, port))
		}
	}

	conf, err := ParseConfig(args.ConfigFile)
	if err != nil {
		return err
	}
	log.Debugf("Config: %+v", conf)

	if args.Probe != nil {
		return probe(conf)
	}
	return runService(conf, args.ConfigFile)
}

func printPEC(words []string) error {
	data, err := parseHexBytes(words)
	if err != nil {
		return err
	}
	pec := ltc6811.PEC(data)
	fmt.Printf("%02X %02X\n", pec[0], pec[1])
	return nil
}

func parseHexBytes(words []string) ([]byte, error) {
	s := strings.Join(words, "")
	s = strings.TrimPrefix(strings.ReplaceAll(s, "0x", ""), "0X")
	if s == "" {
		return nil, errors.New("no bytes given")
	}
	return hex.DecodeString(s)
}

// openMonitor opens the SPI port and brings the LTC6811 up. A failed init
// is returned to the caller, which exits with the interlock left at fault.
func openMonitor(conf *Config, pack *bms.Pack) (*ltc6811.Device, *ltc6811.SPIPort, error) {
	port, err := ltc6811.OpenSPI(conf.SPIDevice, conf.SPIFrequency(), conf.SPICSPin)
	if err != nil {
		return nil, nil, fmt.Errorf("opening SPI: %w", err)
	}
	dev := ltc6811.New(ltc6811.NewTransport(port.Conn), pack, conf.DeviceOptions())
	if err := dev.Init(); err != nil {
		port.Close()
		return nil, nil, fmt.Errorf("initialising LTC6811: %w", err)
	}
	log.Infof("LTC6811 configured: %s", dev.Config())
	return dev, port, nil
}

func probe(conf *Config) error {
	if _, err := host.Init(); err != nil {
		return err
	}
	pack, err := bms.NewPack(conf.RollingDepth)
	if err != nil {
		return err
	}
	dev, port, err := openMonitor(conf, pack)
	if err != nil {
		return err
	}
	defer port.Close()

	if err := dev.ReadCellVoltages(); err != nil {
		log.Warn("Reading cell voltages: ", err)
	}
	if err := dev.ReadTemperatures(); err != nil {
		log.Warn("Reading temperatures: ", err)
	}
	pack.CloseCycle()

	out := struct {
		Frame    bms.CellFrame    `json:"frame"`
		Counters ltc6811.Counters `json:"counters"`
	}{pack.Latest(), dev.Counters()}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func runService(conf *Config, configPath string) error {
	if _, err := host.Init(); err != nil {
		return err
	}

	// The interlock is claimed first so the line sits at fault while the
	// rest of the hardware comes up.
	pin := gpioreg.ByName(conf.InterlockPin)
	if pin == nil {
		return fmt.Errorf("unknown interlock pin %q", conf.InterlockPin)
	}
	interlock, err := supervisor.NewInterlock(pin, conf.InterlockSafeLevel())
	if err != nil {
		return fmt.Errorf("driving interlock: %w", err)
	}

	pack, err := bms.NewPack(conf.RollingDepth)
	if err != nil {
		return err
	}
	dev, port, err := openMonitor(conf, pack)
	if err != nil {
		return err
	}
	defer port.Close()

	bus, err := canmsg.NewBus(conf.CANInterface, conf.CANChannel)
	if err != nil {
		return err
	}
	canPort, err := canmsg.NewPort(bus)
	if err != nil {
		return err
	}
	if err := bus.Connect(); err != nil {
		return fmt.Errorf("connecting to %s %s: %w", conf.CANInterface, conf.CANChannel, err)
	}
	defer bus.Disconnect()

	sup := supervisor.New(conf.SupervisorConfig(), dev, pack, interlock, canPort, canmsg.NewIDs(conf.CANBaseID))
	sup.SetReporter(eventReporter{segment: conf.SegmentID})

	if err := startService(sup); err != nil {
		log.Warn("Failed to start dbus service: ", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if conf.RedisAddr != "" {
		go newMirror(conf.RedisAddr, conf.SegmentID).run(ctx, conf.MirrorPeriod, sup.Status)
	}

	go func() {
		if err := checkConfigChanges(conf, configPath); err != nil {
			log.Warn("Not watching config file: ", err)
		}
	}()

	log.Infof("Segment %d monitoring on %s %s", conf.SegmentID, conf.CANInterface, conf.CANChannel)
	sup.Run(ctx)

	log.Info("Stopping, driving interlock to fault")
	return interlock.Set(false)
}
