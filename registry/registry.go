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

package registry

import (
	"fmt"

	"github.com/alwitt/uasub/common"
	"github.com/alwitt/uasub/core"
	"github.com/apex/log"
	"github.com/gopcua/opcua/ua"
)

// Key identifies a monitored item context within one connection. Server
// connections have no explicit subscriptions; their entries use
// SubscriptionID 0.
type Key struct {
	// SubscriptionID owning subscription of the monitored item
	SubscriptionID uint32
	// MonitoredItemID server-assigned id of the monitored item
	MonitoredItemID uint32
}

// String toString function
func (k Key) String() string {
	return fmt.Sprintf("MON[%d/%d]", k.SubscriptionID, k.MonitoredItemID)
}

// Record context of one monitored item. Records are owned exclusively by
// the registry; notification dispatch references them only through lookups
// so a record can never outlive its registration.
type Record struct {
	// Key ids the record is registered under
	Key Key
	// ClientHandle correlation handle echoed by the transport in
	// notifications for this item
	ClientHandle uint32
	// ItemToMonitor the monitored node attribute
	ItemToMonitor *ua.ReadValueID
	// DataChangeCB callback for data-change notifications. Mutually
	// exclusive with EventCB.
	DataChangeCB core.DataChangeCallback
	// EventCB callback for event notifications. Mutually exclusive with
	// DataChangeCB.
	EventCB core.EventCallback
	// DeleteCB optional callback invoked when the item is removed
	DeleteCB core.DeleteCallback
}

// MonitoredItemRegistry per-connection mapping from monitored item ids to
// their context records.
//
// The registry is mutated only on the connection's driving goroutine;
// lifecycle calls and notification dispatch are expected to execute there.
// It performs no internal locking.
type MonitoredItemRegistry interface {
	// Insert store a record under key, replacing any existing record.
	// Ownership of the record passes to the registry.
	Insert(key Key, record *Record)
	// Lookup fetch the record at key without removing it
	Lookup(key Key) (*Record, bool)
	// LookupHandle fetch the record registered with a correlation handle
	LookupHandle(clientHandle uint32) (*Record, bool)
	// Erase remove the record at key. No-op when the key is absent, as
	// delete acknowledgements and unsolicited delete notifications can
	// both attempt to erase the same entry.
	Erase(key Key)
	// MonitoredItems snapshot of the current keys in registration order
	MonitoredItems() []Key
	// NextClientHandle allocate a connection-unique correlation handle
	NextClientHandle() uint32
}

// monitoredItemRegistryImpl implements MonitoredItemRegistry
type monitoredItemRegistryImpl struct {
	common.Component
	records     map[Key]*Record
	handleIndex map[uint32]Key
	order       []Key
	nextHandle  uint32
}

// GetMonitoredItemRegistry define a new monitored item registry
func GetMonitoredItemRegistry(instance string) MonitoredItemRegistry {
	logTags := log.Fields{
		"module":    "registry",
		"component": "monitored-items",
		"instance":  instance,
	}
	return &monitoredItemRegistryImpl{
		Component:   common.Component{LogTags: logTags},
		records:     make(map[Key]*Record),
		handleIndex: make(map[uint32]Key),
		order:       []Key{},
		nextHandle:  0,
	}
}

// Insert store a record under key, replacing any existing record
func (r *monitoredItemRegistryImpl) Insert(key Key, record *Record) {
	if existing, ok := r.records[key]; ok {
		// keep the handle index consistent when replacing
		delete(r.handleIndex, existing.ClientHandle)
		log.WithFields(r.LogTags).Debugf("Replacing registered context of %s", key)
	} else {
		r.order = append(r.order, key)
	}
	r.records[key] = record
	r.handleIndex[record.ClientHandle] = key
	log.WithFields(r.LogTags).Debugf("Registered context of %s", key)
}

// Lookup fetch the record at key
func (r *monitoredItemRegistryImpl) Lookup(key Key) (*Record, bool) {
	record, ok := r.records[key]
	return record, ok
}

// LookupHandle fetch the record registered with a correlation handle
func (r *monitoredItemRegistryImpl) LookupHandle(clientHandle uint32) (*Record, bool) {
	key, ok := r.handleIndex[clientHandle]
	if !ok {
		return nil, false
	}
	return r.Lookup(key)
}

// Erase remove the record at key
func (r *monitoredItemRegistryImpl) Erase(key Key) {
	existing, ok := r.records[key]
	if !ok {
		return
	}
	delete(r.records, key)
	delete(r.handleIndex, existing.ClientHandle)
	for idx, entry := range r.order {
		if entry == key {
			r.order = append(r.order[:idx], r.order[idx+1:]...)
			break
		}
	}
	log.WithFields(r.LogTags).Debugf("Erased context of %s", key)
}

// MonitoredItems snapshot of the current keys in registration order
func (r *monitoredItemRegistryImpl) MonitoredItems() []Key {
	snapshot := make([]Key, len(r.order))
	copy(snapshot, r.order)
	return snapshot
}

// NextClientHandle allocate a connection-unique correlation handle
func (r *monitoredItemRegistryImpl) NextClientHandle() uint32 {
	r.nextHandle++
	return r.nextHandle
}
