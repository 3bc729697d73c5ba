/*
bms-slave - Event reporting and the Redis telemetry mirror.
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
	"encoding/json"
	"fmt"
	"time"

	"github.com/TheCacophonyProject/bms-slave/internal/supervisor"
	"github.com/TheCacophonyProject/event-reporter/v3/eventclient"
	"github.com/redis/go-redis/v9"
)

type eventReporter struct {
	segment int
}

// Report queues the event with the event reporter without blocking the
// caller.
func (r eventReporter) Report(eventType string, details map[string]interface{}) {
	if details == nil {
		details = map[string]interface{}{}
	}
	details["segment"] = r.segment
	event := eventclient.Event{
		Timestamp: time.Now(),
		Type:      eventType,
		Details:   details,
	}
	go func() {
		if err := eventclient.AddEvent(event); err != nil {
			log.Errorf("Error adding event: %v", err)
		}
	}()
}

// mirror copies the status into a Redis hash and publishes it.
type mirror struct {
	client  *redis.Client
	key     string
	channel string
}

func newMirror(addr string, segment int) *mirror {
	return &mirror{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		key:     fmt.Sprintf("bms:segment:%d", segment),
		channel: "bms:segment",
	}
}

func mirrorFields(st supervisor.Status) (map[string]interface{}, error) {
	body, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"state":          st.State,
		"interlock-safe": st.InterlockSafe,
		"flags":          st.Flags,
		"mode":           st.Mode,
		"min-volt":       st.Pack.MinVolt,
		"max-volt":       st.Pack.MaxVolt,
		"avg-volt":       st.Pack.AvgVolt,
		"total-volt":     st.Pack.TotalVolt,
		"min-temp":       st.Pack.MinTemp,
		"max-temp":       st.Pack.MaxTemp,
		"current":        st.Pack.CurrentMA,
		"rx-dropped":     st.Bus.Dropped,
		"send-errors":    st.Bus.SendErrors,
		"status":         string(body),
	}, nil
}

func (m *mirror) publish(ctx context.Context, st supervisor.Status) error {
	fields, err := mirrorFields(st)
	if err != nil {
		return err
	}
	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, m.key, fields)
	pipe.Publish(ctx, m.channel, m.key)
	_, err = pipe.Exec(ctx)
	return err
}

func (m *mirror) run(ctx context.Context, period time.Duration, status func() supervisor.Status) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	defer m.client.Close()
	failing := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.publish(ctx, status())
			if err != nil && !failing {
				log.Warnf("Mirroring to redis: %v", err)
			} else if err == nil && failing {
				log.Info("Mirroring to redis resumed")
			}
			failing = err != nil
		}
	}
}
