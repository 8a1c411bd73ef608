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
	"github.com/gopcua/opcua/ua"
)

// ServerItemManager monitored item lifecycle operations of a server-side
// connection. The server has one implicit subscription, so items are keyed
// by monitored item id alone and no delete callback slot exists; the server
// API offers no delete notification to drive one.
type ServerItemManager interface {
	// CreateDataChange create a locally monitored item reporting data
	// changes. Revised parameters are written back into params.
	CreateDataChange(
		ctxt context.Context,
		item *ua.ReadValueID,
		mode ua.MonitoringMode,
		params *Parameters,
		dataChangeCB core.DataChangeCallback,
	) (uint32, error)
	// CreateEvent create a locally monitored item reporting filtered events
	CreateEvent(
		ctxt context.Context,
		item *ua.ReadValueID,
		filter *ua.EventFilter,
		mode ua.MonitoringMode,
		params *Parameters,
		eventCB core.EventCallback,
	) (uint32, error)
	// Delete remove a locally monitored item by id
	Delete(ctxt context.Context, monitoredItemID uint32) error
	// MonitoredItems list the registered item ids in registration order
	MonitoredItems() []uint32
}

// serverItemManagerImpl implements ServerItemManager
type serverItemManagerImpl struct {
	common.Component
	services core.ServerServices
	registry registry.MonitoredItemRegistry
	validate *validator.Validate
}

// GetServerItemManager define a ServerItemManager for a server-side connection
func GetServerItemManager(
	services core.ServerServices,
	itemRegistry registry.MonitoredItemRegistry,
	instance string,
) ServerItemManager {
	logTags := log.Fields{
		"module":    "monitor",
		"component": "server-item-manager",
		"instance":  instance,
	}
	return &serverItemManagerImpl{
		Component: common.Component{LogTags: logTags},
		services:  services,
		registry:  itemRegistry,
		validate:  validator.New(),
	}
}

// createSingle run the shared server-side create flow
func (m *serverItemManagerImpl) createSingle(
	ctxt context.Context,
	itemRequest *ua.MonitoredItemCreateRequest,
	params *Parameters,
	record *registry.Record,
) (uint32, error) {
	result, err := m.services.CreateMonitoredItem(ctxt, params.Timestamps, itemRequest)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Local monitored item create failed")
		return 0, err
	}
	if result.StatusCode != ua.StatusOK {
		log.WithFields(m.LogTags).Errorf(
			"Local monitored item create rejected with %s", result.StatusCode,
		)
		return 0, common.NewServiceError("monitored-item-create", result.StatusCode)
	}

	params.SamplingInterval = result.RevisedSamplingInterval
	params.QueueSize = result.RevisedQueueSize

	// Server items live on the implicit subscription 0
	key := registry.Key{SubscriptionID: 0, MonitoredItemID: result.MonitoredItemID}
	record.Key = key
	m.registry.Insert(key, record)
	log.WithFields(m.LogTags).Infof(
		"Created local monitored item %d with sampling interval %.1fms",
		result.MonitoredItemID,
		result.RevisedSamplingInterval,
	)
	return result.MonitoredItemID, nil
}

// CreateDataChange create a locally monitored item reporting data changes
func (m *serverItemManagerImpl) CreateDataChange(
	ctxt context.Context,
	item *ua.ReadValueID,
	mode ua.MonitoringMode,
	params *Parameters,
	dataChangeCB core.DataChangeCallback,
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
	}
	return m.createSingle(
		ctxt, buildCreateRequest(item, mode, params, clientHandle, nil), params, record,
	)
}

// CreateEvent create a locally monitored item reporting filtered events
func (m *serverItemManagerImpl) CreateEvent(
	ctxt context.Context,
	item *ua.ReadValueID,
	filter *ua.EventFilter,
	mode ua.MonitoringMode,
	params *Parameters,
	eventCB core.EventCallback,
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
	}
	return m.createSingle(
		ctxt,
		buildCreateRequest(item, mode, params, clientHandle, eventFilterExtension(filter)),
		params,
		record,
	)
}

// Delete remove a locally monitored item by id
func (m *serverItemManagerImpl) Delete(ctxt context.Context, monitoredItemID uint32) error {
	if err := m.services.DeleteMonitoredItem(ctxt, monitoredItemID); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Local monitored item %d delete failed", monitoredItemID,
		)
		return err
	}
	// The server API acknowledges no further deletes of this id, so the
	// registry entry goes unconditionally
	m.registry.Erase(registry.Key{SubscriptionID: 0, MonitoredItemID: monitoredItemID})
	log.WithFields(m.LogTags).Infof("Deleted local monitored item %d", monitoredItemID)
	return nil
}

// MonitoredItems list the registered item ids in registration order
func (m *serverItemManagerImpl) MonitoredItems() []uint32 {
	items := []uint32{}
	for _, key := range m.registry.MonitoredItems() {
		items = append(items, key.MonitoredItemID)
	}
	return items
}
