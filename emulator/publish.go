// Copyright 2026 The uasub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package emulator

import (
	"context"
	"time"

	"github.com/apex/log"
	"github.com/gopcua/opcua/ua"
)

// SetValue update the value of an address space node. Every active data
// monitored item watching the node samples the new value; notifications
// stay queued until the next RunIterate.
func (e *ServerEmulator) SetValue(node string, value interface{}) error {
	variant, err := ua.NewVariant(value)
	if err != nil {
		log.WithError(err).WithFields(e.LogTags).Errorf(
			"Unable to sample new value of node %s", node,
		)
		return err
	}
	sample := &ua.DataValue{
		EncodingMask:    ua.DataValueValue | ua.DataValueSourceTimestamp,
		Value:           variant,
		SourceTimestamp: time.Now().UTC(),
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	e.values[node] = sample
	for _, subID := range e.subOrder {
		sub := e.subs[subID]
		for _, monID := range sub.order {
			item := sub.items[monID]
			if item.forEvents || item.node != node {
				continue
			}
			if item.mode == ua.MonitoringModeDisabled {
				continue
			}
			item.enqueueSample(sample)
			e.markTriggered(sub, item)
		}
	}
	return nil
}

// EmitEvent raise an event on an address space node. Every active event
// monitored item watching the node queues the event fields.
func (e *ServerEmulator) EmitEvent(node string, fields []*ua.Variant) {
	e.lock.Lock()
	defer e.lock.Unlock()
	for _, subID := range e.subOrder {
		sub := e.subs[subID]
		for _, monID := range sub.order {
			item := sub.items[monID]
			if !item.forEvents || item.node != node {
				continue
			}
			if item.mode == ua.MonitoringModeDisabled {
				continue
			}
			item.enqueueEvent(fields)
			e.markTriggered(sub, item)
		}
	}
}

// markTriggered flag the sampling items a reporting item triggers
func (e *ServerEmulator) markTriggered(sub *subscriptionState, item *monitoredItem) {
	if item.mode != ua.MonitoringModeReporting {
		return
	}
	for _, linkID := range item.links {
		if linked, ok := sub.items[linkID]; ok {
			linked.triggered = true
		}
	}
}

// subscriptionBatch notifications one subscription hands over in one
// publish cycle
type subscriptionBatch struct {
	subID      uint32
	dataChange *ua.DataChangeNotification
	event      *ua.EventNotificationList
}

// RunIterate execute one publish cycle: each publishing-enabled
// subscription drains the queues of its Reporting items and of Sampling
// items flushed by a triggering link, and the batches flow to the
// registered notification handler on the calling goroutine.
func (e *ServerEmulator) RunIterate(ctxt context.Context) error {
	if err := ctxt.Err(); err != nil {
		return err
	}

	e.lock.Lock()
	handler := e.handler
	batches := []subscriptionBatch{}
	for _, subID := range e.subOrder {
		sub := e.subs[subID]
		if !sub.publishingEnabled {
			continue
		}
		batch := subscriptionBatch{subID: subID}
		remaining := sub.maxNotifications
		unbounded := sub.maxNotifications == 0
		for _, monID := range sub.order {
			item := sub.items[monID]
			reports := item.mode == ua.MonitoringModeReporting ||
				(item.mode == ua.MonitoringModeSampling && item.triggered)
			if !reports {
				continue
			}
			for len(item.samples) > 0 && (unbounded || remaining > 0) {
				if batch.dataChange == nil {
					batch.dataChange = &ua.DataChangeNotification{
						MonitoredItems: []*ua.MonitoredItemNotification{},
					}
				}
				batch.dataChange.MonitoredItems = append(
					batch.dataChange.MonitoredItems,
					&ua.MonitoredItemNotification{
						ClientHandle: item.clientHandle,
						Value:        item.samples[0],
					},
				)
				item.samples = item.samples[1:]
				remaining--
			}
			for len(item.events) > 0 && (unbounded || remaining > 0) {
				if batch.event == nil {
					batch.event = &ua.EventNotificationList{
						Events: []*ua.EventFieldList{},
					}
				}
				batch.event.Events = append(batch.event.Events, &ua.EventFieldList{
					ClientHandle: item.clientHandle,
					EventFields:  item.events[0],
				})
				item.events = item.events[1:]
				remaining--
			}
			// a triggered flush is one publish cycle wide
			if len(item.samples) == 0 && len(item.events) == 0 {
				item.triggered = false
			}
		}
		if batch.dataChange != nil || batch.event != nil {
			batches = append(batches, batch)
		}
	}
	e.lock.Unlock()

	if handler == nil {
		return nil
	}
	for _, batch := range batches {
		if batch.dataChange != nil {
			handler.HandleDataChange(batch.subID, batch.dataChange)
		}
		if batch.event != nil {
			handler.HandleEvent(batch.subID, batch.event)
		}
	}
	return nil
}
