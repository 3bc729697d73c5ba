/*
bms-slave - D-Bus status and control service.
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
	"encoding/json"
	"errors"
	"runtime"
	"strings"

	"github.com/TheCacophonyProject/bms-slave/canmsg"
	"github.com/TheCacophonyProject/bms-slave/internal/supervisor"
	"github.com/TheCacophonyProject/bms-slave/ltc6811"
	"github.com/godbus/dbus"
	"github.com/godbus/dbus/introspect"
)

const (
	dbusName = "org.cacophony.bms"
	dbusPath = "/org/cacophony/bms"
)

type controller interface {
	Status() supervisor.Status
	RequestBalancing(on bool)
	SetDiagnostic(on bool)
}

type service struct {
	sup controller
}

func startService(sup controller) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return err
	}
	reply, err := conn.RequestName(dbusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return errors.New("name already taken")
	}

	s := &service{sup: sup}
	conn.Export(s, dbusPath, dbusName)
	conn.Export(genIntrospectable(s), dbusPath, "org.freedesktop.DBus.Introspectable")
	return nil
}

// Status returns the supervisor state and pack summary as JSON.
func (s *service) Status() (string, *dbus.Error) {
	b, err := json.Marshal(s.sup.Status())
	if err != nil {
		return "", dbusErr(err)
	}
	return string(b), nil
}

type counters struct {
	Device ltc6811.Counters `json:"device"`
	Bus    canmsg.Counters  `json:"bus"`
}

// Counters returns the device and bus error counters as JSON.
func (s *service) Counters() (string, *dbus.Error) {
	st := s.sup.Status()
	b, err := json.Marshal(counters{Device: st.Counters, Bus: st.Bus})
	if err != nil {
		return "", dbusErr(err)
	}
	return string(b), nil
}

func (s *service) SetBalancing(on bool) *dbus.Error {
	s.sup.RequestBalancing(on)
	return nil
}

func (s *service) SetDiagnostic(on bool) *dbus.Error {
	s.sup.SetDiagnostic(on)
	return nil
}

func genIntrospectable(v interface{}) introspect.Introspectable {
	node := &introspect.Node{
		Interfaces: []introspect.Interface{{
			Name:    dbusName,
			Methods: introspect.Methods(v),
		}},
	}
	return introspect.NewIntrospectable(node)
}

func dbusErr(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	return &dbus.Error{
		Name: dbusName + "." + getCallerName(),
		Body: []interface{}{err.Error()},
	}
}

func getCallerName() string {
	fpcs := make([]uintptr, 1)
	n := runtime.Callers(3, fpcs)
	if n == 0 {
		return ""
	}
	caller := runtime.FuncForPC(fpcs[0] - 1)
	if caller == nil {
		return ""
	}
	funcNames := strings.Split(caller.Name(), ".")
	return funcNames[len(funcNames)-1]
}
