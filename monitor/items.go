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

package monitor

import (
	"context"

	"github.com/alwitt/uasub/common"
	"github.com/alwitt/uasub/core"
	"github.com/alwitt/uasub/registry"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
)

// Parameters monitored item parameters. Create and Modify write the
// server-revised sampling interval and queue size back into the struct
// before returning.
type Parameters struct {
	// SamplingInterval requested sampling interval in milliseconds.
	// 0 selects the fastest practical rate, -1 the publishing interval.
	SamplingInterval float64 `validate:"gte=-1"`
	// QueueSize requested per-item notification queue size
	QueueSize uint32
	// DiscardOldest whether the oldest queued notification is dropped on
	// queue overflow
	DiscardOldest bool
	// Timestamps which timestamps the server attaches to notifications
	Timestamps ua.TimestampsToReturn
}

// DefaultParameters build monitored item parameters from configured defaults
func DefaultParameters(cfg common.MonitoringDefaults) Parameters {
	return Parameters{
		SamplingInterval: cfg.SamplingIntervalMS,
		QueueSize:        cfg.QueueSize,
		DiscardOldest:    cfg.DiscardOldest,
		Timestamps:       ua.TimestampsToReturnBoth,
	}
}

// ItemManager monitored item lifecycle operations of a client connection
type ItemManager interface {
	// CreateDataChange create a monitored item reporting data changes of a
	// node attribute. Revised parameters are written back into params.
	// Returns the server-assigned monitored item id.
	CreateDataChange(
		ctxt context.Context,
		subscriptionID uint32,
		item *ua.ReadValueID,
		mode ua.MonitoringMode,
		params *Parameters,
		dataChangeCB core.DataChangeCallback,
		deleteCB core.DeleteCallback,
	) (uint32, error)
	// CreateEvent create a monitored item reporting filtered events of a
	// node. A nil filter selects all events with no field qualifiers.
	CreateEvent(
		ctxt context.Context,
		subscriptionID uint32,
		item *ua.ReadValueID,
		filter *ua.EventFilter,
		mode ua.MonitoringMode,
		params *Parameters,
		eventCB core.EventCallback,
		deleteCB core.DeleteCallback,
	) (uint32, error)
	// Modify change the sampling interval / queue size of a monitored
	// item; revised values are written back into params
	Modify(
		ctxt context.Context, subscriptionID, monitoredItemID uint32, params *Parameters,
	) error
	// SetMonitoringMode switch a monitored item between Disabled, Sampling
	// and Reporting
	SetMonitoringMode(
		ctxt context.Context,
		subscriptionID, monitoredItemID uint32,
		mode ua.MonitoringMode,
	) error
	// SetTriggering add / remove triggering links of a triggering item.
	// The per-link results are always returned; the error reflects the
	// first failing link.
	SetTriggering(
		ctxt context.Context,
		subscriptionID, triggeringItemID uint32,
		linksToAdd, linksToRemove []uint32,
	) (TriggeringResult, error)
	// Delete remove a monitored item. A second delete of the same item
	// fails with StatusBadMonitoredItemIDInvalid.
	Delete(ctxt context.Context, subscriptionID, monitoredItemID uint32) error
	// MonitoredItems list the registered item ids of a subscription in
	// registration order
	MonitoredItems(subscriptionID uint32) []uint32
}

// clientItemManagerImpl implements ItemManager
type clientItemManagerImpl struct {
	common.Component
	services core.MonitoredItemServices
	registry registry.MonitoredItemRegistry
	validate *validator.Validate
}

// GetClientItemManager define an ItemManager for a client connection
func GetClientItemManager(
	services core.MonitoredItemServices,
	itemRegistry registry.MonitoredItemRegistry,
	instance string,
) ItemManager {
	logTags := log.Fields{
		"module":    "monitor",
		"component": "client-item-manager",
		"instance":  instance,
	}
	return &clientItemManagerImpl{
		Component: common.Component{LogTags: logTags},
		services:  services,
		registry:  itemRegistry,
		validate:  validator.New(),
	}
}

// buildCreateRequest assemble the protocol create request for one item
func buildCreateRequest(
	item *ua.ReadValueID,
	mode ua.MonitoringMode,
	params *Parameters,
	clientHandle uint32,
	filter *ua.ExtensionObject,
) *ua.MonitoredItemCreateRequest {
	return &ua.MonitoredItemCreateRequest{
		ItemToMonitor:  item,
		MonitoringMode: mode,
		RequestedParameters: &ua.MonitoringParameters{
			ClientHandle:     clientHandle,
			SamplingInterval: params.SamplingInterval,
			Filter:           filter,
			QueueSize:        params.QueueSize,
			DiscardOldest:    params.DiscardOldest,
		},
	}
}

// eventFilterExtension wrap an event filter for transport. The protocol
// rejects a null filter, so filter absence still yields a syntactically
// valid empty filter object.
func eventFilterExtension(filter *ua.EventFilter) *ua.ExtensionObject {
	if filter == nil {
		filter = &ua.EventFilter{
			SelectClauses: []*ua.SimpleAttributeOperand{},
			WhereClause:   &ua.ContentFilter{Elements: []*ua.ContentFilterElement{}},
		}
	}
	return &ua.ExtensionObject{
		EncodingMask: ua.ExtensionObjectBinary,
		TypeID: &ua.ExpandedNodeID{
			NodeID: ua.NewNumericNodeID(0, id.EventFilter_Encoding_DefaultBinary),
		},
		Value: filter,
	}
}

// createSingle run the shared single-item create flow. The context record
// is registered only after the server accepted the item; a rejected create
// leaves no partial registration behind.
func (m *clientItemManagerImpl) createSingle(
	ctxt context.Context,
	subscriptionID uint32,
	itemRequest *ua.MonitoredItemCreateRequest,
	params *Parameters,
	record *registry.Record,
) (uint32, error) {
	request := &ua.CreateMonitoredItemsRequest{
		SubscriptionID:     subscriptionID,
		TimestampsToReturn: params.Timestamps,
		ItemsToCreate:      []*ua.MonitoredItemCreateRequest{itemRequest},
	}
	response, err := m.services.CreateMonitoredItems(ctxt, request)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"CreateMonitoredItems on subscription %d submit failed", subscriptionID,
		)
		return 0, err
	}
	if status := response.ResponseHeader.ServiceResult; status != ua.StatusOK {
		return 0, common.NewServiceError("monitored-item-create", status)
	}
	if len(response.Results) != 1 {
		return 0, common.NewContractError(
			"monitored-item-create", "expected 1 result entry, received %d", len(response.Results),
		)
	}
	result := response.Results[0]
	if result.StatusCode != ua.StatusOK {
		log.WithFields(m.LogTags).Errorf(
			"CreateMonitoredItems on subscription %d rejected with %s",
			subscriptionID,
			result.StatusCode,
		)
		return 0, common.NewServiceError("monitored-item-create", result.StatusCode)
	}

	// The revised values govern from here on
	params.SamplingInterval = result.RevisedSamplingInterval
	params.QueueSize = result.RevisedQueueSize

	// Register under the server-assigned id. Registration completes before
	// the create returns, so no notification can race ahead of it.
	key := registry.Key{
		SubscriptionID: subscriptionID, MonitoredItemID: result.MonitoredItemID,
	}
	record.Key = key
	m.registry.Insert(key, record)
	log.WithFields(m.LogTags).Infof(
		"Created monitored item %s with sampling interval %.1fms queue %d",
		key,
		result.RevisedSamplingInterval,
		result.RevisedQueueSize,
	)
	return result.MonitoredItemID, nil
}

// CreateDataChange create a monitored item reporting data changes
func (m *clientItemManagerImpl) CreateDataChange(
	ctxt context.Context,
	subscriptionID uint32,
	item *ua.ReadValueID,
	mode ua.MonitoringMode,
	params *Parameters,
	dataChangeCB core.DataChangeCallback,
	deleteCB core.DeleteCallback,
) (uint32, error) {
	if err := m.validate.Struct(params); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Invalid monitoring parameters")
		return 0, err
	}
	clientHandle := m.registry.NextClientHandle()
	record := &registry.Record{
		ClientHandle:  clientHandle,
		ItemToMonitor: item,
		DataChangeCB:  dataChangeCB,
		DeleteCB:      deleteCB,
	}
	return m.createSingle(
		ctxt,
		subscriptionID,
		buildCreateRequest(item, mode, params, clientHandle, nil),
		params,
		record,
	)
}

// CreateEvent create a monitored item reporting filtered events
func (m *clientItemManagerImpl) CreateEvent(
	ctxt context.Context,
	subscriptionID uint32,
	item *ua.ReadValueID,
	filter *ua.EventFilter,
	mode ua.MonitoringMode,
	params *Parameters,
	eventCB core.EventCallback,
	deleteCB core.DeleteCallback,
) (uint32, error) {
	if err := m.validate.Struct(params); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Invalid monitoring parameters")
		return 0, err
	}
	clientHandle := m.registry.NextClientHandle()
	record := &registry.Record{
		ClientHandle:  clientHandle,
		ItemToMonitor: item,
		EventCB:       eventCB,
		DeleteCB:      deleteCB,
	}
	return m.createSingle(
		ctxt,
		subscriptionID,
		buildCreateRequest(item, mode, params, clientHandle, eventFilterExtension(filter)),
		params,
		record,
	)
}

// Modify change the sampling interval / queue size of a monitored item
func (m *clientItemManagerImpl) Modify(
	ctxt context.Context, subscriptionID, monitoredItemID uint32, params *Parameters,
) error {
	if err := m.validate.Struct(params); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Invalid monitoring parameters")
		return err
	}
	// The handle in the request replaces the item's correlation handle on
	// the server, so restate the one the registry indexes by.
	var clientHandle uint32
	key := registry.Key{SubscriptionID: subscriptionID, MonitoredItemID: monitoredItemID}
	if record, ok := m.registry.Lookup(key); ok {
		clientHandle = record.ClientHandle
	}
	request := &ua.ModifyMonitoredItemsRequest{
		SubscriptionID:     subscriptionID,
		TimestampsToReturn: params.Timestamps,
		ItemsToModify: []*ua.MonitoredItemModifyRequest{
			{
				MonitoredItemID: monitoredItemID,
				RequestedParameters: &ua.MonitoringParameters{
					ClientHandle:     clientHandle,
					SamplingInterval: params.SamplingInterval,
					QueueSize:        params.QueueSize,
					DiscardOldest:    params.DiscardOldest,
				},
			},
		},
	}
	response, err := m.services.ModifyMonitoredItems(ctxt, request)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"ModifyMonitoredItems %d/%d submit failed", subscriptionID, monitoredItemID,
		)
		return err
	}
	if status := response.ResponseHeader.ServiceResult; status != ua.StatusOK {
		return common.NewServiceError("monitored-item-modify", status)
	}
	if len(response.Results) != 1 {
		return common.NewContractError(
			"monitored-item-modify", "expected 1 result entry, received %d", len(response.Results),
		)
	}
	result := response.Results[0]
	if result.StatusCode != ua.StatusOK {
		return common.NewServiceError("monitored-item-modify", result.StatusCode)
	}

	params.SamplingInterval = result.RevisedSamplingInterval
	params.QueueSize = result.RevisedQueueSize
	log.WithFields(m.LogTags).Infof(
		"Modified monitored item %d/%d", subscriptionID, monitoredItemID,
	)
	return nil
}

// SetMonitoringMode switch a monitored item between monitoring modes
func (m *clientItemManagerImpl) SetMonitoringMode(
	ctxt context.Context, subscriptionID, monitoredItemID uint32, mode ua.MonitoringMode,
) error {
	request := &ua.SetMonitoringModeRequest{
		SubscriptionID:   subscriptionID,
		MonitoringMode:   mode,
		MonitoredItemIDs: []uint32{monitoredItemID},
	}
	response, err := m.services.SetMonitoringMode(ctxt, request)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"SetMonitoringMode %d/%d submit failed", subscriptionID, monitoredItemID,
		)
		return err
	}
	if status := response.ResponseHeader.ServiceResult; status != ua.StatusOK {
		return common.NewServiceError("monitored-item-set-mode", status)
	}
	if len(response.Results) != 1 {
		return common.NewContractError(
			"monitored-item-set-mode", "expected 1 result entry, received %d", len(response.Results),
		)
	}
	if status := response.Results[0]; status != ua.StatusOK {
		return common.NewServiceError("monitored-item-set-mode", status)
	}
	log.WithFields(m.LogTags).Infof(
		"Set monitored item %d/%d monitoring mode to %s", subscriptionID, monitoredItemID, mode,
	)
	return nil
}

// Delete remove a monitored item
func (m *clientItemManagerImpl) Delete(
	ctxt context.Context, subscriptionID, monitoredItemID uint32,
) error {
	request := &ua.DeleteMonitoredItemsRequest{
		SubscriptionID:   subscriptionID,
		MonitoredItemIDs: []uint32{monitoredItemID},
	}
	response, err := m.services.DeleteMonitoredItems(ctxt, request)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"DeleteMonitoredItems %d/%d submit failed", subscriptionID, monitoredItemID,
		)
		return err
	}
	if status := response.ResponseHeader.ServiceResult; status != ua.StatusOK {
		return common.NewServiceError("monitored-item-delete", status)
	}
	if len(response.Results) != 1 {
		return common.NewContractError(
			"monitored-item-delete", "expected 1 result entry, received %d", len(response.Results),
		)
	}
	if status := response.Results[0]; status != ua.StatusOK {
		return common.NewServiceError("monitored-item-delete", status)
	}

	// The delete-notification path of the dispatcher also erases this key
	// for server-initiated removals; Erase is idempotent either way
	m.registry.Erase(registry.Key{
		SubscriptionID: subscriptionID, MonitoredItemID: monitoredItemID,
	})
	log.WithFields(m.LogTags).Infof(
		"Deleted monitored item %d/%d", subscriptionID, monitoredItemID,
	)
	return nil
}

// MonitoredItems list the registered item ids of a subscription
func (m *clientItemManagerImpl) MonitoredItems(subscriptionID uint32) []uint32 {
	items := []uint32{}
	for _, key := range m.registry.MonitoredItems() {
		if key.SubscriptionID == subscriptionID {
			items = append(items, key.MonitoredItemID)
		}
	}
	return items
}
