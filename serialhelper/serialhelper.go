/*
bms-slave - Exclusive access to a serial port.
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

package serialhelper

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/TheCacophonyProject/bms-slave/internal/logging"
	"github.com/tarm/serial"
)

var log = logging.NewLogger("info")

var cmdlineFile = "/proc/cmdline"

type SerialUnavailableError struct {
	msg string
}

func (e *SerialUnavailableError) Error() string {
	return e.msg
}

func NewSerialUnavailableError(msg string) error {
	return &SerialUnavailableError{msg: msg}
}

// SerialInUseFromTerminal reports whether the kernel console is on device.
func SerialInUseFromTerminal(device string) bool {
	b, err := os.ReadFile(cmdlineFile)
	if err != nil {
		log.Printf("Error when reading %s: %s", cmdlineFile, err)
		return false
	}
	return strings.Contains(string(b), "console="+filepath.Base(device))
}

// Port is a serial port held under an exclusive file lock.
type Port struct {
	lockFile *os.File
	port     *serial.Port
}

// Open locks device and opens it at baud. It retries while another process
// holds the lock.
func Open(device string, baud, retries int, wait time.Duration) (*Port, error) {
	if SerialInUseFromTerminal(device) {
		return nil, NewSerialUnavailableError(device + " is in use by the terminal console")
	}

	lockFile, err := os.OpenFile(device, os.O_RDWR, 0666)
	if err != nil {
		return nil, err
	}
	lockAcquired := false
	defer func() {
		if !lockAcquired {
			lockFile.Close()
		}
	}()

	i := retries
	for {
		err = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			lockAcquired = true
			break
		}
		if !errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, err
		}

		process, err := getLockingProcess(device)
		if err != nil {
			log.Printf("Error checking locking process: %v", err)
		} else if process != "" {
			log.Printf("%s is locked by process: %s", device, process)
		}
		if i <= 0 {
			return nil, NewSerialUnavailableError("failed to get lock on " + device)
		}
		log.Printf("%s is locked, retrying %d more times in %s", device, i, wait)
		time.Sleep(wait)
		i--
	}

	port, err := serial.OpenPort(&serial.Config{Name: device, Baud: baud, ReadTimeout: time.Second})
	if err != nil {
		syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)
		lockAcquired = false
		return nil, err
	}
	return &Port{lockFile: lockFile, port: port}, nil
}

func (p *Port) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

// Close closes the port and releases the lock.
func (p *Port) Close() error {
	err := p.port.Close()
	syscall.Flock(int(p.lockFile.Fd()), syscall.LOCK_UN)
	p.lockFile.Close()
	return err
}

func getLockingProcess(device string) (string, error) {
	cmd := exec.Command("fuser", device)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	err := cmd.Run()
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok && exitError.ExitCode() == 1 {
			// fuser exits with 1 when nothing has the file open.
			return "", nil
		}
		return "", fmt.Errorf("failed to execute fuser: %v", err)
	}
	return strings.TrimSpace(output.String()), nil
}
