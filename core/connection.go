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

// Package core defines the contracts between the monitoring core and the
// transport collaborator which actually moves OPC UA service requests and
// notifications. Wire encoding, secure channel handling and session
// management all live behind these interfaces.
package core

import (
	"context"

	"github.com/gopcua/opcua/ua"
)

// DataChangeCallback user callback invoked when a monitored attribute
// reports a new value
type DataChangeCallback func(subscriptionID, monitoredItemID uint32, value *ua.DataValue)

// EventCallback user callback invoked when a filtered event fires. The
// field order matches the select clauses of the event filter supplied at
// creation time.
type EventCallback func(subscriptionID, monitoredItemID uint32, eventFields []*ua.Variant)

// DeleteCallback user callback invoked when a monitored item is removed,
// including server-initiated removal
type DeleteCallback func(subscriptionID, monitoredItemID uint32)

// NotificationHandler re-entry boundary invoked by the transport while its
// driving loop is serviced. Implementations must tolerate notifications
// referencing items which are no longer registered.
type NotificationHandler interface {
	// HandleDataChange process one data-change notification batch of a subscription
	HandleDataChange(subscriptionID uint32, notification *ua.DataChangeNotification)
	// HandleEvent process one event notification batch of a subscription
	HandleEvent(subscriptionID uint32, notification *ua.EventNotificationList)
	// HandleItemDeleted process the removal acknowledgement of one monitored item
	HandleItemDeleted(subscriptionID, monitoredItemID uint32)
}

// SubscriptionServices subscription lifecycle service set of a client
// connection. Calls block until the transport returns the response.
type SubscriptionServices interface {
	// CreateSubscription invoke the CreateSubscription service
	CreateSubscription(
		ctxt context.Context, request *ua.CreateSubscriptionRequest,
	) (*ua.CreateSubscriptionResponse, error)
	// ModifySubscription invoke the ModifySubscription service
	ModifySubscription(
		ctxt context.Context, request *ua.ModifySubscriptionRequest,
	) (*ua.ModifySubscriptionResponse, error)
	// SetPublishingMode invoke the SetPublishingMode service
	SetPublishingMode(
		ctxt context.Context, request *ua.SetPublishingModeRequest,
	) (*ua.SetPublishingModeResponse, error)
	// DeleteSubscriptions invoke the DeleteSubscriptions service
	DeleteSubscriptions(
		ctxt context.Context, request *ua.DeleteSubscriptionsRequest,
	) (*ua.DeleteSubscriptionsResponse, error)
}

// MonitoredItemServices monitored item service set of a client connection
type MonitoredItemServices interface {
	// CreateMonitoredItems invoke the CreateMonitoredItems service
	CreateMonitoredItems(
		ctxt context.Context, request *ua.CreateMonitoredItemsRequest,
	) (*ua.CreateMonitoredItemsResponse, error)
	// ModifyMonitoredItems invoke the ModifyMonitoredItems service
	ModifyMonitoredItems(
		ctxt context.Context, request *ua.ModifyMonitoredItemsRequest,
	) (*ua.ModifyMonitoredItemsResponse, error)
	// SetMonitoringMode invoke the SetMonitoringMode service
	SetMonitoringMode(
		ctxt context.Context, request *ua.SetMonitoringModeRequest,
	) (*ua.SetMonitoringModeResponse, error)
	// SetTriggering invoke the SetTriggering service
	SetTriggering(
		ctxt context.Context, request *ua.SetTriggeringRequest,
	) (*ua.SetTriggeringResponse, error)
	// DeleteMonitoredItems invoke the DeleteMonitoredItems service
	DeleteMonitoredItems(
		ctxt context.Context, request *ua.DeleteMonitoredItemsRequest,
	) (*ua.DeleteMonitoredItemsResponse, error)
}

// ClientServices full capability set of a client-side connection: explicit
// subscriptions, triggering links, and delete notifications
type ClientServices interface {
	SubscriptionServices
	MonitoredItemServices
	// RegisterNotificationHandler attach the re-entry notification boundary.
	// Must be called before the first monitored item is created.
	RegisterNotificationHandler(handler NotificationHandler)
	// RunIterate service the connection's driving loop once, dispatching
	// pending notifications on the calling goroutine
	RunIterate(ctxt context.Context) error
}

// ServerServices capability subset of a server-side connection. The server
// exposes a single implicit subscription, items are keyed by monitored item
// id alone, and no delete notifications are offered.
type ServerServices interface {
	// CreateMonitoredItem create a locally monitored item on the implicit
	// subscription
	CreateMonitoredItem(
		ctxt context.Context,
		timestamps ua.TimestampsToReturn,
		request *ua.MonitoredItemCreateRequest,
	) (*ua.MonitoredItemCreateResult, error)
	// DeleteMonitoredItem remove a locally monitored item by id
	DeleteMonitoredItem(ctxt context.Context, monitoredItemID uint32) error
	// RegisterNotificationHandler attach the re-entry notification boundary
	RegisterNotificationHandler(handler NotificationHandler)
	// RunIterate service the connection's driving loop once
	RunIterate(ctxt context.Context) error
}
