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

// Package emulator provides an in-memory OPC UA server standing in for the
// transport collaborator. It implements the core service interfaces with
// real id assignment, parameter revision and notification queueing, and
// backs both the unit tests and the demo CLI. No wire protocol is involved.
package emulator

import (
	"context"
	"sync"
	"time"

	"github.com/alwitt/uasub/common"
	"github.com/alwitt/uasub/core"
	"github.com/apex/log"
	"github.com/gopcua/opcua/ua"
)

// monitoredItem server-side state of one monitored item
type monitoredItem struct {
	id               uint32
	clientHandle     uint32
	node             string
	attribute        ua.AttributeID
	mode             ua.MonitoringMode
	samplingInterval float64
	queueSize        uint32
	discardOldest    bool
	forEvents        bool
	samples          []*ua.DataValue
	events           [][]*ua.Variant
	// links are the monitored items this item triggers when it reports
	links []uint32
	// triggered marks a Sampling item whose queue must flush on the next
	// publish cycle because a linked triggering item reported
	triggered bool
}

// enqueueSample queue one data sample honoring the revised queue bounds
func (i *monitoredItem) enqueueSample(value *ua.DataValue) {
	if uint32(len(i.samples)) >= i.queueSize {
		if !i.discardOldest {
			// newest notification is the casualty
			return
		}
		i.samples = i.samples[1:]
	}
	i.samples = append(i.samples, value)
}

// enqueueEvent queue one event honoring the revised queue bounds
func (i *monitoredItem) enqueueEvent(fields []*ua.Variant) {
	if uint32(len(i.events)) >= i.queueSize {
		if !i.discardOldest {
			return
		}
		i.events = i.events[1:]
	}
	i.events = append(i.events, fields)
}

// subscriptionState server-side state of one subscription
type subscriptionState struct {
	id                 uint32
	publishingEnabled  bool
	publishingInterval float64
	lifetimeCount      uint32
	maxKeepAliveCount  uint32
	maxNotifications   uint32
	priority           uint8
	items              map[uint32]*monitoredItem
	order              []uint32
}

// ServerEmulator in-memory OPC UA server. It implements both
// core.ClientServices and core.ServerServices; the server-side calls
// operate on the implicit subscription 0.
//
// The internal mutex exists because demo stimuli (SetValue / EmitEvent)
// may arrive from outside the driving goroutine; the monitoring core
// itself keeps to the single-goroutine discipline.
type ServerEmulator struct {
	common.Component
	limits    common.EmulatorLimitsConfig
	lock      sync.Mutex
	handler   core.NotificationHandler
	nextSubID uint32
	nextMonID uint32
	subs      map[uint32]*subscriptionState
	subOrder  []uint32
	values    map[string]*ua.DataValue
}

// GetServerEmulator define a new server emulator with revision limits
func GetServerEmulator(limits common.EmulatorLimitsConfig, instance string) *ServerEmulator {
	logTags := log.Fields{
		"module":    "emulator",
		"component": "server",
		"instance":  instance,
	}
	emu := &ServerEmulator{
		Component: common.Component{LogTags: logTags},
		limits:    limits,
		subs:      map[uint32]*subscriptionState{},
		subOrder:  []uint32{},
		values:    map[string]*ua.DataValue{},
	}
	// implicit subscription backing the server-side service set
	emu.subs[0] = &subscriptionState{
		id:                 0,
		publishingEnabled:  true,
		publishingInterval: limits.MinPublishingIntervalMS,
		items:              map[uint32]*monitoredItem{},
		order:              []uint32{},
	}
	emu.subOrder = append(emu.subOrder, 0)
	return emu
}

// RegisterNotificationHandler attach the re-entry notification boundary
func (e *ServerEmulator) RegisterNotificationHandler(handler core.NotificationHandler) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.handler = handler
}

// okHeader response header of an accepted service call
func okHeader() *ua.ResponseHeader {
	return &ua.ResponseHeader{
		Timestamp:     time.Now().UTC(),
		ServiceResult: ua.StatusOK,
	}
}

// badHeader response header of a rejected service call
func badHeader(status ua.StatusCode) *ua.ResponseHeader {
	return &ua.ResponseHeader{
		Timestamp:     time.Now().UTC(),
		ServiceResult: status,
	}
}

// revisePublishingInterval clamp a requested publishing interval
func (e *ServerEmulator) revisePublishingInterval(requested float64) float64 {
	if requested < e.limits.MinPublishingIntervalMS {
		return e.limits.MinPublishingIntervalMS
	}
	if requested > e.limits.MaxPublishingIntervalMS {
		return e.limits.MaxPublishingIntervalMS
	}
	return requested
}

// reviseKeepAliveCount clamp a requested max keep-alive count
func (e *ServerEmulator) reviseKeepAliveCount(requested uint32) uint32 {
	if requested == 0 {
		requested = 10
	}
	if requested > e.limits.MaxKeepAliveCount {
		return e.limits.MaxKeepAliveCount
	}
	return requested
}

// reviseLifetimeCount the lifetime must cover at least three keep-alives
func reviseLifetimeCount(requested, keepAlive uint32) uint32 {
	if requested < 3*keepAlive {
		return 3 * keepAlive
	}
	return requested
}

// reviseSamplingInterval clamp a requested sampling interval. A negative
// request selects the publishing interval.
func (e *ServerEmulator) reviseSamplingInterval(requested, publishingInterval float64) float64 {
	if requested < 0 {
		requested = publishingInterval
	}
	if requested < e.limits.MinSamplingIntervalMS {
		return e.limits.MinSamplingIntervalMS
	}
	return requested
}

// reviseQueueSize clamp a requested queue size
func (e *ServerEmulator) reviseQueueSize(requested uint32) uint32 {
	if requested == 0 {
		return 1
	}
	if requested > e.limits.MaxQueueSize {
		return e.limits.MaxQueueSize
	}
	return requested
}

// ========================================================================================
// Subscription services

// CreateSubscription invoke the CreateSubscription service
func (e *ServerEmulator) CreateSubscription(
	ctxt context.Context, request *ua.CreateSubscriptionRequest,
) (*ua.CreateSubscriptionResponse, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.nextSubID++
	keepAlive := e.reviseKeepAliveCount(request.RequestedMaxKeepAliveCount)
	sub := &subscriptionState{
		id:                 e.nextSubID,
		publishingEnabled:  request.PublishingEnabled,
		publishingInterval: e.revisePublishingInterval(request.RequestedPublishingInterval),
		lifetimeCount:      reviseLifetimeCount(request.RequestedLifetimeCount, keepAlive),
		maxKeepAliveCount:  keepAlive,
		maxNotifications:   request.MaxNotificationsPerPublish,
		priority:           request.Priority,
		items:              map[uint32]*monitoredItem{},
		order:              []uint32{},
	}
	e.subs[sub.id] = sub
	e.subOrder = append(e.subOrder, sub.id)
	log.WithFields(e.LogTags).Debugf("Created subscription %d", sub.id)
	return &ua.CreateSubscriptionResponse{
		ResponseHeader:            okHeader(),
		SubscriptionID:            sub.id,
		RevisedPublishingInterval: sub.publishingInterval,
		RevisedLifetimeCount:      sub.lifetimeCount,
		RevisedMaxKeepAliveCount:  sub.maxKeepAliveCount,
	}, nil
}

// ModifySubscription invoke the ModifySubscription service
func (e *ServerEmulator) ModifySubscription(
	ctxt context.Context, request *ua.ModifySubscriptionRequest,
) (*ua.ModifySubscriptionResponse, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	sub, ok := e.subs[request.SubscriptionID]
	if !ok || request.SubscriptionID == 0 {
		return &ua.ModifySubscriptionResponse{
			ResponseHeader: badHeader(ua.StatusBadSubscriptionIDInvalid),
		}, nil
	}
	sub.publishingInterval = e.revisePublishingInterval(request.RequestedPublishingInterval)
	sub.maxKeepAliveCount = e.reviseKeepAliveCount(request.RequestedMaxKeepAliveCount)
	sub.lifetimeCount = reviseLifetimeCount(
		request.RequestedLifetimeCount, sub.maxKeepAliveCount,
	)
	sub.maxNotifications = request.MaxNotificationsPerPublish
	sub.priority = request.Priority
	return &ua.ModifySubscriptionResponse{
		ResponseHeader:            okHeader(),
		RevisedPublishingInterval: sub.publishingInterval,
		RevisedLifetimeCount:      sub.lifetimeCount,
		RevisedMaxKeepAliveCount:  sub.maxKeepAliveCount,
	}, nil
}

// SetPublishingMode invoke the SetPublishingMode service
func (e *ServerEmulator) SetPublishingMode(
	ctxt context.Context, request *ua.SetPublishingModeRequest,
) (*ua.SetPublishingModeResponse, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	results := make([]ua.StatusCode, len(request.SubscriptionIDs))
	for idx, subID := range request.SubscriptionIDs {
		sub, ok := e.subs[subID]
		if !ok || subID == 0 {
			results[idx] = ua.StatusBadSubscriptionIDInvalid
			continue
		}
		sub.publishingEnabled = request.PublishingEnabled
		results[idx] = ua.StatusOK
	}
	return &ua.SetPublishingModeResponse{
		ResponseHeader: okHeader(),
		Results:        results,
	}, nil
}

// DeleteSubscriptions invoke the DeleteSubscriptions service. Removal
// acknowledgements for the owned monitored items run through the
// registered notification handler on the calling goroutine, which is the
// driving loop by contract.
func (e *ServerEmulator) DeleteSubscriptions(
	ctxt context.Context, request *ua.DeleteSubscriptionsRequest,
) (*ua.DeleteSubscriptionsResponse, error) {
	type deletedItem struct {
		subID uint32
		monID uint32
	}
	deleted := []deletedItem{}

	e.lock.Lock()
	results := make([]ua.StatusCode, len(request.SubscriptionIDs))
	for idx, subID := range request.SubscriptionIDs {
		sub, ok := e.subs[subID]
		if !ok || subID == 0 {
			results[idx] = ua.StatusBadSubscriptionIDInvalid
			continue
		}
		for _, monID := range sub.order {
			deleted = append(deleted, deletedItem{subID: subID, monID: monID})
		}
		delete(e.subs, subID)
		for orderIdx, entry := range e.subOrder {
			if entry == subID {
				e.subOrder = append(e.subOrder[:orderIdx], e.subOrder[orderIdx+1:]...)
				break
			}
		}
		results[idx] = ua.StatusOK
		log.WithFields(e.LogTags).Debugf("Deleted subscription %d", subID)
	}
	handler := e.handler
	e.lock.Unlock()

	if handler != nil {
		for _, entry := range deleted {
			handler.HandleItemDeleted(entry.subID, entry.monID)
		}
	}
	return &ua.DeleteSubscriptionsResponse{
		ResponseHeader: okHeader(),
		Results:        results,
	}, nil
}

// ========================================================================================
// Monitored item services

// defineItem server-side create of one monitored item within a subscription
func (e *ServerEmulator) defineItem(
	sub *subscriptionState, request *ua.MonitoredItemCreateRequest,
) *ua.MonitoredItemCreateResult {
	if request == nil || request.ItemToMonitor == nil || request.ItemToMonitor.NodeID == nil {
		return &ua.MonitoredItemCreateResult{StatusCode: ua.StatusBadNodeIDInvalid}
	}
	if request.RequestedParameters == nil {
		return &ua.MonitoredItemCreateResult{StatusCode: ua.StatusBadInvalidArgument}
	}
	forEvents := request.ItemToMonitor.AttributeID == ua.AttributeIDEventNotifier
	if forEvents {
		// the protocol rejects event items without a decodable filter
		filter := request.RequestedParameters.Filter
		if filter == nil {
			return &ua.MonitoredItemCreateResult{
				StatusCode: ua.StatusBadMonitoredItemFilterInvalid,
			}
		}
		if _, ok := filter.Value.(*ua.EventFilter); !ok {
			return &ua.MonitoredItemCreateResult{
				StatusCode: ua.StatusBadMonitoredItemFilterInvalid,
			}
		}
	}

	e.nextMonID++
	item := &monitoredItem{
		id:           e.nextMonID,
		clientHandle: request.RequestedParameters.ClientHandle,
		node:         request.ItemToMonitor.NodeID.String(),
		attribute:    request.ItemToMonitor.AttributeID,
		mode:         request.MonitoringMode,
		samplingInterval: e.reviseSamplingInterval(
			request.RequestedParameters.SamplingInterval, sub.publishingInterval,
		),
		queueSize:     e.reviseQueueSize(request.RequestedParameters.QueueSize),
		discardOldest: request.RequestedParameters.DiscardOldest,
		forEvents:     forEvents,
	}
	sub.items[item.id] = item
	sub.order = append(sub.order, item.id)
	log.WithFields(e.LogTags).Debugf(
		"Created monitored item %d/%d on %s", sub.id, item.id, item.node,
	)
	return &ua.MonitoredItemCreateResult{
		StatusCode:              ua.StatusOK,
		MonitoredItemID:         item.id,
		RevisedSamplingInterval: item.samplingInterval,
		RevisedQueueSize:        item.queueSize,
	}
}

// CreateMonitoredItems invoke the CreateMonitoredItems service
func (e *ServerEmulator) CreateMonitoredItems(
	ctxt context.Context, request *ua.CreateMonitoredItemsRequest,
) (*ua.CreateMonitoredItemsResponse, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	sub, ok := e.subs[request.SubscriptionID]
	if !ok {
		return &ua.CreateMonitoredItemsResponse{
			ResponseHeader: badHeader(ua.StatusBadSubscriptionIDInvalid),
		}, nil
	}
	if len(request.ItemsToCreate) == 0 {
		return &ua.CreateMonitoredItemsResponse{
			ResponseHeader: badHeader(ua.StatusBadNothingToDo),
		}, nil
	}
	results := make([]*ua.MonitoredItemCreateResult, len(request.ItemsToCreate))
	for idx, itemRequest := range request.ItemsToCreate {
		results[idx] = e.defineItem(sub, itemRequest)
	}
	return &ua.CreateMonitoredItemsResponse{
		ResponseHeader: okHeader(),
		Results:        results,
	}, nil
}

// ModifyMonitoredItems invoke the ModifyMonitoredItems service
func (e *ServerEmulator) ModifyMonitoredItems(
	ctxt context.Context, request *ua.ModifyMonitoredItemsRequest,
) (*ua.ModifyMonitoredItemsResponse, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	sub, ok := e.subs[request.SubscriptionID]
	if !ok {
		return &ua.ModifyMonitoredItemsResponse{
			ResponseHeader: badHeader(ua.StatusBadSubscriptionIDInvalid),
		}, nil
	}
	results := make([]*ua.MonitoredItemModifyResult, len(request.ItemsToModify))
	for idx, modify := range request.ItemsToModify {
		item, ok := sub.items[modify.MonitoredItemID]
		if !ok {
			results[idx] = &ua.MonitoredItemModifyResult{
				StatusCode: ua.StatusBadMonitoredItemIDInvalid,
			}
			continue
		}
		if modify.RequestedParameters == nil {
			results[idx] = &ua.MonitoredItemModifyResult{
				StatusCode: ua.StatusBadInvalidArgument,
			}
			continue
		}
		// the requested handle replaces the item's correlation handle
		item.clientHandle = modify.RequestedParameters.ClientHandle
		item.samplingInterval = e.reviseSamplingInterval(
			modify.RequestedParameters.SamplingInterval, sub.publishingInterval,
		)
		item.queueSize = e.reviseQueueSize(modify.RequestedParameters.QueueSize)
		item.discardOldest = modify.RequestedParameters.DiscardOldest
		results[idx] = &ua.MonitoredItemModifyResult{
			StatusCode:              ua.StatusOK,
			RevisedSamplingInterval: item.samplingInterval,
			RevisedQueueSize:        item.queueSize,
		}
	}
	return &ua.ModifyMonitoredItemsResponse{
		ResponseHeader: okHeader(),
		Results:        results,
	}, nil
}

// SetMonitoringMode invoke the SetMonitoringMode service
func (e *ServerEmulator) SetMonitoringMode(
	ctxt context.Context, request *ua.SetMonitoringModeRequest,
) (*ua.SetMonitoringModeResponse, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	sub, ok := e.subs[request.SubscriptionID]
	if !ok {
		return &ua.SetMonitoringModeResponse{
			ResponseHeader: badHeader(ua.StatusBadSubscriptionIDInvalid),
		}, nil
	}
	results := make([]ua.StatusCode, len(request.MonitoredItemIDs))
	for idx, monID := range request.MonitoredItemIDs {
		item, ok := sub.items[monID]
		if !ok {
			results[idx] = ua.StatusBadMonitoredItemIDInvalid
			continue
		}
		item.mode = request.MonitoringMode
		if request.MonitoringMode == ua.MonitoringModeDisabled {
			// disabling discards queued notifications
			item.samples = nil
			item.events = nil
			item.triggered = false
		}
		results[idx] = ua.StatusOK
	}
	return &ua.SetMonitoringModeResponse{
		ResponseHeader: okHeader(),
		Results:        results,
	}, nil
}

// SetTriggering invoke the SetTriggering service. Links apply
// independently; the per-link result list reports each outcome.
func (e *ServerEmulator) SetTriggering(
	ctxt context.Context, request *ua.SetTriggeringRequest,
) (*ua.SetTriggeringResponse, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	sub, ok := e.subs[request.SubscriptionID]
	if !ok {
		return &ua.SetTriggeringResponse{
			ResponseHeader: badHeader(ua.StatusBadSubscriptionIDInvalid),
		}, nil
	}
	trigger, ok := sub.items[request.TriggeringItemID]
	if !ok {
		return &ua.SetTriggeringResponse{
			ResponseHeader: badHeader(ua.StatusBadMonitoredItemIDInvalid),
		}, nil
	}

	addResults := make([]ua.StatusCode, len(request.LinksToAdd))
	for idx, linkID := range request.LinksToAdd {
		if _, ok := sub.items[linkID]; !ok {
			addResults[idx] = ua.StatusBadMonitoredItemIDInvalid
			continue
		}
		known := false
		for _, existing := range trigger.links {
			if existing == linkID {
				known = true
				break
			}
		}
		if !known {
			trigger.links = append(trigger.links, linkID)
		}
		addResults[idx] = ua.StatusOK
	}

	removeResults := make([]ua.StatusCode, len(request.LinksToRemove))
	for idx, linkID := range request.LinksToRemove {
		removeResults[idx] = ua.StatusBadMonitoredItemIDInvalid
		for linkIdx, existing := range trigger.links {
			if existing == linkID {
				trigger.links = append(trigger.links[:linkIdx], trigger.links[linkIdx+1:]...)
				removeResults[idx] = ua.StatusOK
				break
			}
		}
	}

	return &ua.SetTriggeringResponse{
		ResponseHeader: okHeader(),
		AddResults:     addResults,
		RemoveResults:  removeResults,
	}, nil
}

// DeleteMonitoredItems invoke the DeleteMonitoredItems service. Removal
// acknowledgements run through the registered notification handler on the
// calling goroutine before the call returns.
func (e *ServerEmulator) DeleteMonitoredItems(
	ctxt context.Context, request *ua.DeleteMonitoredItemsRequest,
) (*ua.DeleteMonitoredItemsResponse, error) {
	deleted := []uint32{}

	e.lock.Lock()
	sub, ok := e.subs[request.SubscriptionID]
	if !ok {
		e.lock.Unlock()
		return &ua.DeleteMonitoredItemsResponse{
			ResponseHeader: badHeader(ua.StatusBadSubscriptionIDInvalid),
		}, nil
	}
	results := make([]ua.StatusCode, len(request.MonitoredItemIDs))
	for idx, monID := range request.MonitoredItemIDs {
		if _, ok := sub.items[monID]; !ok {
			results[idx] = ua.StatusBadMonitoredItemIDInvalid
			continue
		}
		e.removeItem(sub, monID)
		deleted = append(deleted, monID)
		results[idx] = ua.StatusOK
	}
	handler := e.handler
	subID := sub.id
	e.lock.Unlock()

	if handler != nil {
		for _, monID := range deleted {
			handler.HandleItemDeleted(subID, monID)
		}
	}
	return &ua.DeleteMonitoredItemsResponse{
		ResponseHeader: okHeader(),
		Results:        results,
	}, nil
}

// removeItem drop one item and any triggering links pointing at it
func (e *ServerEmulator) removeItem(sub *subscriptionState, monID uint32) {
	delete(sub.items, monID)
	for idx, entry := range sub.order {
		if entry == monID {
			sub.order = append(sub.order[:idx], sub.order[idx+1:]...)
			break
		}
	}
	for _, item := range sub.items {
		for idx, link := range item.links {
			if link == monID {
				item.links = append(item.links[:idx], item.links[idx+1:]...)
				break
			}
		}
	}
	log.WithFields(e.LogTags).Debugf("Deleted monitored item %d/%d", sub.id, monID)
}

// ========================================================================================
// Server-side service set (implicit subscription 0)

// CreateMonitoredItem create a locally monitored item on the implicit
// subscription
func (e *ServerEmulator) CreateMonitoredItem(
	ctxt context.Context,
	timestamps ua.TimestampsToReturn,
	request *ua.MonitoredItemCreateRequest,
) (*ua.MonitoredItemCreateResult, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.defineItem(e.subs[0], request), nil
}

// DeleteMonitoredItem remove a locally monitored item by id. The server
// API offers no delete notification, so none is emitted here.
func (e *ServerEmulator) DeleteMonitoredItem(
	ctxt context.Context, monitoredItemID uint32,
) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	sub := e.subs[0]
	if _, ok := sub.items[monitoredItemID]; !ok {
		return common.NewServiceError("monitored-item-delete", ua.StatusBadMonitoredItemIDInvalid)
	}
	e.removeItem(sub, monitoredItemID)
	return nil
}
