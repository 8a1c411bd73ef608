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
	"github.com/apex/log"
	"github.com/gopcua/opcua/ua"
)

// TriggeringLinkResult outcome of one triggering link change
type TriggeringLinkResult struct {
	// MonitoredItemID the linked monitored item
	MonitoredItemID uint32 `json:"monitored_item_id"`
	// Status the per-link status reported by the server
	Status ua.StatusCode `json:"status"`
}

// TriggeringResult per-link outcomes of one SetTriggering call. The server
// applies links independently, so some links can succeed even when the call
// as a whole reports a failure.
type TriggeringResult struct {
	// AddResults outcomes of the added links, in request order
	AddResults []TriggeringLinkResult `json:"add_results"`
	// RemoveResults outcomes of the removed links, in request order
	RemoveResults []TriggeringLinkResult `json:"remove_results"`
}

// firstFailure find the first non-good link status in request order
func (r TriggeringResult) firstFailure() (ua.StatusCode, bool) {
	for _, link := range r.AddResults {
		if link.Status != ua.StatusOK {
			return link.Status, true
		}
	}
	for _, link := range r.RemoveResults {
		if link.Status != ua.StatusOK {
			return link.Status, true
		}
	}
	return ua.StatusOK, false
}

// SetTriggering add / remove triggering links of a triggering item. Links
// let a (normally Sampling mode) monitored item report whenever the
// triggering item reports.
func (m *clientItemManagerImpl) SetTriggering(
	ctxt context.Context,
	subscriptionID, triggeringItemID uint32,
	linksToAdd, linksToRemove []uint32,
) (TriggeringResult, error) {
	request := &ua.SetTriggeringRequest{
		SubscriptionID:   subscriptionID,
		TriggeringItemID: triggeringItemID,
		LinksToAdd:       linksToAdd,
		LinksToRemove:    linksToRemove,
	}
	response, err := m.services.SetTriggering(ctxt, request)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"SetTriggering %d/%d submit failed", subscriptionID, triggeringItemID,
		)
		return TriggeringResult{}, err
	}
	if status := response.ResponseHeader.ServiceResult; status != ua.StatusOK {
		return TriggeringResult{}, common.NewServiceError("set-triggering", status)
	}
	if len(response.AddResults) != len(linksToAdd) ||
		len(response.RemoveResults) != len(linksToRemove) {
		return TriggeringResult{}, common.NewContractError(
			"set-triggering",
			"expected %d add / %d remove result entries, received %d / %d",
			len(linksToAdd),
			len(linksToRemove),
			len(response.AddResults),
			len(response.RemoveResults),
		)
	}

	result := TriggeringResult{
		AddResults:    make([]TriggeringLinkResult, len(linksToAdd)),
		RemoveResults: make([]TriggeringLinkResult, len(linksToRemove)),
	}
	for idx, status := range response.AddResults {
		result.AddResults[idx] = TriggeringLinkResult{
			MonitoredItemID: linksToAdd[idx], Status: status,
		}
	}
	for idx, status := range response.RemoveResults {
		result.RemoveResults[idx] = TriggeringLinkResult{
			MonitoredItemID: linksToRemove[idx], Status: status,
		}
	}

	// Surface the first failing link as the call error, but hand the full
	// result list back so partial success stays observable
	if status, failed := result.firstFailure(); failed {
		log.WithFields(m.LogTags).Errorf(
			"SetTriggering %d/%d link rejected with %s",
			subscriptionID,
			triggeringItemID,
			status,
		)
		return result, common.NewServiceError("set-triggering", status)
	}
	log.WithFields(m.LogTags).Infof(
		"Set triggering links of %d/%d: %d added %d removed",
		subscriptionID,
		triggeringItemID,
		len(linksToAdd),
		len(linksToRemove),
	)
	return result, nil
}
