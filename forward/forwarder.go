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

package forward

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/uasub/common"
	"github.com/alwitt/uasub/core"
	"github.com/apex/log"
	"github.com/gopcua/opcua/ua"
)

// Publisher is the message bus side of the forwarder
type Publisher interface {
	// Publish send one payload on a subject
	Publish(subject string, payload []byte) error
}

// DataChangeMessage wire format of a forwarded data change notification
type DataChangeMessage struct {
	// SubscriptionID ID of the owning subscription
	SubscriptionID uint32 `json:"subscriptionId"`
	// MonitoredItemID server-assigned ID of the monitored item
	MonitoredItemID uint32 `json:"monitoredItemId"`
	// Value the sampled value
	Value interface{} `json:"value"`
	// SourceTimestamp when the source produced the value
	SourceTimestamp time.Time `json:"sourceTimestamp"`
}

// EventMessage wire format of a forwarded event notification
type EventMessage struct {
	// SubscriptionID ID of the owning subscription
	SubscriptionID uint32 `json:"subscriptionId"`
	// MonitoredItemID server-assigned ID of the monitored item
	MonitoredItemID uint32 `json:"monitoredItemId"`
	// EventFields the selected event field values
	EventFields []interface{} `json:"eventFields"`
}

// Forwarder republishes notifications as JSON messages on subjects of
// the form "<root>.<subscription-id>.<monitored-item-id>"
type Forwarder interface {
	// DataChangeCallback notification callback to register on data
	// monitored items
	DataChangeCallback() core.DataChangeCallback
	// EventCallback notification callback to register on event
	// monitored items
	EventCallback() core.EventCallback
}

// forwarderImpl implements Forwarder
type forwarderImpl struct {
	common.Component
	publisher   Publisher
	subjectRoot string
}

// GetForwarder define a new notification forwarder
func GetForwarder(publisher Publisher, subjectRoot string, instance string) (Forwarder, error) {
	if subjectRoot == "" {
		return nil, fmt.Errorf("forwarder subject root must not be empty")
	}
	logTags := log.Fields{
		"module": "forward", "component": "forwarder", "instance": instance,
	}
	return &forwarderImpl{
		Component:   common.Component{LogTags: logTags},
		publisher:   publisher,
		subjectRoot: subjectRoot,
	}, nil
}

func (f *forwarderImpl) subject(subscriptionID, monitoredItemID uint32) string {
	return fmt.Sprintf("%s.%d.%d", f.subjectRoot, subscriptionID, monitoredItemID)
}

func (f *forwarderImpl) send(subject string, message interface{}) {
	payload, err := json.Marshal(message)
	if err != nil {
		log.WithError(err).WithFields(f.LogTags).Errorf(
			"Unable to serialize notification for %s", subject,
		)
		return
	}
	if err := f.publisher.Publish(subject, payload); err != nil {
		log.WithError(err).WithFields(f.LogTags).Errorf(
			"Unable to publish notification on %s", subject,
		)
	}
}

// DataChangeCallback notification callback to register on data monitored items
func (f *forwarderImpl) DataChangeCallback() core.DataChangeCallback {
	return func(subscriptionID, monitoredItemID uint32, value *ua.DataValue) {
		message := DataChangeMessage{
			SubscriptionID:  subscriptionID,
			MonitoredItemID: monitoredItemID,
		}
		if value != nil {
			if value.Value != nil {
				message.Value = value.Value.Value()
			}
			message.SourceTimestamp = value.SourceTimestamp
		}
		f.send(f.subject(subscriptionID, monitoredItemID), &message)
	}
}

// EventCallback notification callback to register on event monitored items
func (f *forwarderImpl) EventCallback() core.EventCallback {
	return func(subscriptionID, monitoredItemID uint32, eventFields []*ua.Variant) {
		message := EventMessage{
			SubscriptionID:  subscriptionID,
			MonitoredItemID: monitoredItemID,
			EventFields:     make([]interface{}, 0, len(eventFields)),
		}
		for _, field := range eventFields {
			if field != nil {
				message.EventFields = append(message.EventFields, field.Value())
			} else {
				message.EventFields = append(message.EventFields, nil)
			}
		}
		f.send(f.subject(subscriptionID, monitoredItemID), &message)
	}
}
