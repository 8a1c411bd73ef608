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

package subscription

import (
	"context"

	"github.com/alwitt/uasub/common"
	"github.com/alwitt/uasub/core"
	"github.com/alwitt/uasub/registry"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gopcua/opcua/ua"
)

// Parameters subscription parameters. Calls taking *Parameters write the
// server-revised values back into the struct before returning; the revised
// values, not the requested ones, govern behavior afterwards.
type Parameters struct {
	// PublishingInterval requested publishing interval in milliseconds
	PublishingInterval float64 `validate:"gte=0"`
	// LifetimeCount how many publishing intervals without client activity
	// the subscription survives
	LifetimeCount uint32
	// MaxKeepAliveCount publishing intervals between keep-alive messages
	MaxKeepAliveCount uint32
	// MaxNotificationsPerPublish limit per publish response. 0 means no limit
	MaxNotificationsPerPublish uint32
	// Priority relative priority against other subscriptions of the session
	Priority uint8
}

// DefaultParameters build subscription parameters from configured defaults
func DefaultParameters(cfg common.SubscriptionDefaults) Parameters {
	return Parameters{
		PublishingInterval:         cfg.PublishingIntervalMS,
		LifetimeCount:              cfg.LifetimeCount,
		MaxKeepAliveCount:          cfg.MaxKeepAliveCount,
		MaxNotificationsPerPublish: cfg.MaxNotificationsPerPublish,
		Priority:                   cfg.Priority,
	}
}

// Handle identifies a subscription of one connection. Server connections
// collapse the concept to a single implicit subscription with id 0.
type Handle struct {
	// SubscriptionID server-assigned subscription id
	SubscriptionID uint32
}

// Manager subscription lifecycle operations of one connection
type Manager interface {
	// Create create a subscription; revised parameters are written back
	// into params
	Create(ctxt context.Context, params *Parameters) (Handle, error)
	// Modify change the parameters of an existing subscription; revised
	// values are written back into params
	Modify(ctxt context.Context, handle Handle, params *Parameters) error
	// SetPublishingMode toggle delivery of queued notifications without
	// touching the monitored items
	SetPublishingMode(ctxt context.Context, handle Handle, enabled bool) error
	// Delete remove a subscription along with every monitored item it
	// owns. A second delete of the same handle fails with
	// StatusBadSubscriptionIDInvalid.
	Delete(ctxt context.Context, handle Handle) error
	// Subscriptions list the live subscription ids in creation order
	Subscriptions() []uint32
}

// clientManagerImpl implements Manager against a client connection
type clientManagerImpl struct {
	common.Component
	services core.SubscriptionServices
	registry registry.MonitoredItemRegistry
	tracked  []uint32
	validate *validator.Validate
}

// GetClientManager define a subscription Manager for a client connection
func GetClientManager(
	services core.SubscriptionServices,
	itemRegistry registry.MonitoredItemRegistry,
	instance string,
) Manager {
	logTags := log.Fields{
		"module":    "subscription",
		"component": "client-manager",
		"instance":  instance,
	}
	return &clientManagerImpl{
		Component: common.Component{LogTags: logTags},
		services:  services,
		registry:  itemRegistry,
		tracked:   []uint32{},
		validate:  validator.New(),
	}
}

// Create create a subscription
func (m *clientManagerImpl) Create(ctxt context.Context, params *Parameters) (Handle, error) {
	if err := m.validate.Struct(params); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Invalid subscription parameters")
		return Handle{}, err
	}
	request := &ua.CreateSubscriptionRequest{
		RequestedPublishingInterval: params.PublishingInterval,
		RequestedLifetimeCount:      params.LifetimeCount,
		RequestedMaxKeepAliveCount:  params.MaxKeepAliveCount,
		MaxNotificationsPerPublish:  params.MaxNotificationsPerPublish,
		PublishingEnabled:           true,
		Priority:                    params.Priority,
	}
	response, err := m.services.CreateSubscription(ctxt, request)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("CreateSubscription submit failed")
		return Handle{}, err
	}
	if status := response.ResponseHeader.ServiceResult; status != ua.StatusOK {
		log.WithFields(m.LogTags).Errorf("CreateSubscription rejected with %s", status)
		return Handle{}, common.NewServiceError("subscription-create", status)
	}

	// The revised values govern from here on
	params.PublishingInterval = response.RevisedPublishingInterval
	params.LifetimeCount = response.RevisedLifetimeCount
	params.MaxKeepAliveCount = response.RevisedMaxKeepAliveCount

	m.tracked = append(m.tracked, response.SubscriptionID)
	log.WithFields(m.LogTags).Infof(
		"Created subscription %d with publishing interval %.1fms",
		response.SubscriptionID,
		response.RevisedPublishingInterval,
	)
	return Handle{SubscriptionID: response.SubscriptionID}, nil
}

// Modify change the parameters of an existing subscription
func (m *clientManagerImpl) Modify(
	ctxt context.Context, handle Handle, params *Parameters,
) error {
	if err := m.validate.Struct(params); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Invalid subscription parameters")
		return err
	}
	request := &ua.ModifySubscriptionRequest{
		SubscriptionID:              handle.SubscriptionID,
		RequestedPublishingInterval: params.PublishingInterval,
		RequestedLifetimeCount:      params.LifetimeCount,
		RequestedMaxKeepAliveCount:  params.MaxKeepAliveCount,
		MaxNotificationsPerPublish:  params.MaxNotificationsPerPublish,
		Priority:                    params.Priority,
	}
	response, err := m.services.ModifySubscription(ctxt, request)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"ModifySubscription %d submit failed", handle.SubscriptionID,
		)
		return err
	}
	if status := response.ResponseHeader.ServiceResult; status != ua.StatusOK {
		log.WithFields(m.LogTags).Errorf(
			"ModifySubscription %d rejected with %s", handle.SubscriptionID, status,
		)
		return common.NewServiceError("subscription-modify", status)
	}

	params.PublishingInterval = response.RevisedPublishingInterval
	params.LifetimeCount = response.RevisedLifetimeCount
	params.MaxKeepAliveCount = response.RevisedMaxKeepAliveCount
	log.WithFields(m.LogTags).Infof("Modified subscription %d", handle.SubscriptionID)
	return nil
}

// SetPublishingMode toggle delivery of queued notifications
func (m *clientManagerImpl) SetPublishingMode(
	ctxt context.Context, handle Handle, enabled bool,
) error {
	request := &ua.SetPublishingModeRequest{
		PublishingEnabled: enabled,
		SubscriptionIDs:   []uint32{handle.SubscriptionID},
	}
	response, err := m.services.SetPublishingMode(ctxt, request)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"SetPublishingMode %d submit failed", handle.SubscriptionID,
		)
		return err
	}
	if status := response.ResponseHeader.ServiceResult; status != ua.StatusOK {
		return common.NewServiceError("subscription-set-publishing-mode", status)
	}
	// single entry batch must produce exactly one result
	if len(response.Results) != 1 {
		return common.NewContractError(
			"subscription-set-publishing-mode",
			"expected 1 result entry, received %d", len(response.Results),
		)
	}
	if status := response.Results[0]; status != ua.StatusOK {
		return common.NewServiceError("subscription-set-publishing-mode", status)
	}
	log.WithFields(m.LogTags).Infof(
		"Set subscription %d publishing mode to %t", handle.SubscriptionID, enabled,
	)
	return nil
}

// Delete remove a subscription along with every monitored item it owns
func (m *clientManagerImpl) Delete(ctxt context.Context, handle Handle) error {
	request := &ua.DeleteSubscriptionsRequest{
		SubscriptionIDs: []uint32{handle.SubscriptionID},
	}
	response, err := m.services.DeleteSubscriptions(ctxt, request)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"DeleteSubscriptions %d submit failed", handle.SubscriptionID,
		)
		return err
	}
	if status := response.ResponseHeader.ServiceResult; status != ua.StatusOK {
		return common.NewServiceError("subscription-delete", status)
	}
	if len(response.Results) != 1 {
		return common.NewContractError(
			"subscription-delete", "expected 1 result entry, received %d", len(response.Results),
		)
	}
	if status := response.Results[0]; status != ua.StatusOK {
		log.WithFields(m.LogTags).Errorf(
			"DeleteSubscriptions %d rejected with %s", handle.SubscriptionID, status,
		)
		return common.NewServiceError("subscription-delete", status)
	}

	// Cascade: erase every registered monitored item the subscription
	// owned so later notifications can no longer resolve them
	for _, key := range m.registry.MonitoredItems() {
		if key.SubscriptionID == handle.SubscriptionID {
			m.registry.Erase(key)
		}
	}
	for idx, subID := range m.tracked {
		if subID == handle.SubscriptionID {
			m.tracked = append(m.tracked[:idx], m.tracked[idx+1:]...)
			break
		}
	}
	log.WithFields(m.LogTags).Infof("Deleted subscription %d", handle.SubscriptionID)
	return nil
}

// Subscriptions list the live subscription ids in creation order
func (m *clientManagerImpl) Subscriptions() []uint32 {
	snapshot := make([]uint32, len(m.tracked))
	copy(snapshot, m.tracked)
	return snapshot
}

// ========================================================================================

// serverManagerImpl implements Manager for a server-side connection. The
// server exposes one implicit subscription, so lifecycle operations beyond
// Create are gated off by capability.
type serverManagerImpl struct {
	common.Component
}

// GetServerManager define a subscription Manager for a server-side connection
func GetServerManager(instance string) Manager {
	logTags := log.Fields{
		"module":    "subscription",
		"component": "server-manager",
		"instance":  instance,
	}
	return &serverManagerImpl{Component: common.Component{LogTags: logTags}}
}

// Create return the handle of the implicit subscription. No service call
// occurs; the server variant has nothing to create.
func (m *serverManagerImpl) Create(ctxt context.Context, params *Parameters) (Handle, error) {
	log.WithFields(m.LogTags).Debug("Returning implicit server subscription")
	return Handle{SubscriptionID: 0}, nil
}

// Modify not supported on the implicit server subscription
func (m *serverManagerImpl) Modify(
	ctxt context.Context, handle Handle, params *Parameters,
) error {
	return common.NewServiceError("subscription-modify", ua.StatusBadServiceUnsupported)
}

// SetPublishingMode not supported on the implicit server subscription
func (m *serverManagerImpl) SetPublishingMode(
	ctxt context.Context, handle Handle, enabled bool,
) error {
	return common.NewServiceError(
		"subscription-set-publishing-mode", ua.StatusBadServiceUnsupported,
	)
}

// Delete not supported on the implicit server subscription
func (m *serverManagerImpl) Delete(ctxt context.Context, handle Handle) error {
	return common.NewServiceError("subscription-delete", ua.StatusBadServiceUnsupported)
}

// Subscriptions list the implicit server subscription
func (m *serverManagerImpl) Subscriptions() []uint32 {
	return []uint32{0}
}
