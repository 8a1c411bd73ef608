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

package dispatch

import (
	"github.com/alwitt/uasub/common"
	"github.com/alwitt/uasub/core"
	"github.com/alwitt/uasub/registry"
	"github.com/apex/log"
	"github.com/gopcua/opcua/ua"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uasub",
			Subsystem: "dispatch",
			Name:      "notifications_total",
			Help:      "Notifications delivered to user callbacks",
		},
		[]string{"kind"},
	)
	orphanedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uasub",
			Subsystem: "dispatch",
			Name:      "orphaned_total",
			Help:      "Notifications dropped for lack of a registered context",
		},
		[]string{"kind"},
	)
	callbackPanicTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "uasub",
			Subsystem: "dispatch",
			Name:      "callback_panics_total",
			Help:      "User callbacks which panicked during dispatch",
		},
	)
)

// notificationDispatcherImpl implements core.NotificationHandler by
// resolving transport notifications through the monitored item registry.
//
// This is the re-entrant boundary of the core: it runs on the connection's
// driving goroutine while RunIterate is serviced, and a failure here must
// never unwind into the transport. Notifications with no resolvable context
// are an expected race against delete and are dropped without error.
type notificationDispatcherImpl struct {
	common.Component
	registry registry.MonitoredItemRegistry
}

// GetNotificationDispatcher define a notification dispatcher over a registry
func GetNotificationDispatcher(
	itemRegistry registry.MonitoredItemRegistry, instance string,
) core.NotificationHandler {
	logTags := log.Fields{
		"module":    "dispatch",
		"component": "notification-dispatcher",
		"instance":  instance,
	}
	return &notificationDispatcherImpl{
		Component: common.Component{LogTags: logTags},
		registry:  itemRegistry,
	}
}

// guardCallback invoke a user callback with panic containment
func (d *notificationDispatcherImpl) guardCallback(key registry.Key, callback func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			callbackPanicTotal.Inc()
			log.WithFields(d.LogTags).Errorf(
				"User callback of %s panicked: %v", key, recovered,
			)
		}
	}()
	callback()
}

// HandleDataChange process one data-change notification batch. Entries are
// delivered in the order the transport presents them.
func (d *notificationDispatcherImpl) HandleDataChange(
	subscriptionID uint32, notification *ua.DataChangeNotification,
) {
	if notification == nil {
		return
	}
	for _, item := range notification.MonitoredItems {
		if item == nil {
			continue
		}
		record, ok := d.registry.LookupHandle(item.ClientHandle)
		if !ok {
			// expected race between delete and an in-flight notification
			orphanedTotal.WithLabelValues("data-change").Inc()
			log.WithFields(d.LogTags).Debugf(
				"Dropping data change for unknown handle %d on subscription %d",
				item.ClientHandle,
				subscriptionID,
			)
			continue
		}
		if record.DataChangeCB == nil {
			continue
		}
		dispatchedTotal.WithLabelValues("data-change").Inc()
		key := record.Key
		value := item.Value
		d.guardCallback(key, func() {
			record.DataChangeCB(key.SubscriptionID, key.MonitoredItemID, value)
		})
	}
}

// HandleEvent process one event notification batch
func (d *notificationDispatcherImpl) HandleEvent(
	subscriptionID uint32, notification *ua.EventNotificationList,
) {
	if notification == nil {
		return
	}
	for _, event := range notification.Events {
		if event == nil {
			continue
		}
		record, ok := d.registry.LookupHandle(event.ClientHandle)
		if !ok {
			orphanedTotal.WithLabelValues("event").Inc()
			log.WithFields(d.LogTags).Debugf(
				"Dropping event for unknown handle %d on subscription %d",
				event.ClientHandle,
				subscriptionID,
			)
			continue
		}
		if record.EventCB == nil {
			continue
		}
		dispatchedTotal.WithLabelValues("event").Inc()
		key := record.Key
		fields := event.EventFields
		d.guardCallback(key, func() {
			record.EventCB(key.SubscriptionID, key.MonitoredItemID, fields)
		})
	}
}

// HandleItemDeleted process the removal acknowledgement of one monitored
// item. The delete callback runs before the registry entry goes; the entry
// is erased even when no delete callback was registered.
func (d *notificationDispatcherImpl) HandleItemDeleted(
	subscriptionID, monitoredItemID uint32,
) {
	key := registry.Key{
		SubscriptionID: subscriptionID, MonitoredItemID: monitoredItemID,
	}
	record, ok := d.registry.Lookup(key)
	if !ok {
		orphanedTotal.WithLabelValues("delete").Inc()
		log.WithFields(d.LogTags).Debugf("Dropping delete notice for unknown %s", key)
		return
	}
	if record.DeleteCB != nil {
		dispatchedTotal.WithLabelValues("delete").Inc()
		d.guardCallback(key, func() {
			record.DeleteCB(key.SubscriptionID, key.MonitoredItemID)
		})
	}
	d.registry.Erase(key)
	log.WithFields(d.LogTags).Debugf("Erased %s on delete notice", key)
}
