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

package apis

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/alwitt/uasub/common"
	"github.com/alwitt/uasub/registry"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// StatusSource read-only view of the monitoring state exposed over REST
type StatusSource interface {
	// Subscriptions IDs of the tracked subscriptions
	Subscriptions() []uint32
	// MonitoredItems keys of the tracked monitored items of one subscription
	MonitoredItems(subscriptionID uint32) []registry.Key
}

// APIRestStatusHandler REST handler for monitoring status queries
type APIRestStatusHandler struct {
	APIRestHandler
	source StatusSource
}

// GetAPIRestStatusHandler define APIRestStatusHandler
func GetAPIRestStatusHandler(
	source StatusSource, httpConfig common.StatusServerConfig,
) (APIRestStatusHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "status",
	}
	return APIRestStatusHandler{
		APIRestHandler: APIRestHandler{
			Component:       common.Component{LogTags: logTags},
			requestIDHeader: httpConfig.RequestIDHeader,
		},
		source: source,
	}, nil
}

// =======================================================================

// APIRestRespSubscriptionList response of the subscription list query
type APIRestRespSubscriptionList struct {
	StandardResponse
	// Subscriptions IDs of the tracked subscriptions
	Subscriptions []uint32 `json:"subscriptions"`
}

// ListSubscriptions godoc
// @Summary List tracked subscriptions
// @Description List the IDs of the subscriptions currently under management
// @tags status,get
// @Produce json
// @Success 200 {object} APIRestRespSubscriptionList "success"
// @Failure 500 {object} StandardResponse "error"
// @Router /v1/subscription [get]
func (h APIRestStatusHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	restCall := "GET /v1/subscription"
	localLogTags, err := common.UpdateLogTags(r.Context(), h.LogTags)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Failed to update logtags")
	}
	response := APIRestRespSubscriptionList{
		StandardResponse: getStdRESTSuccessMsg(),
		Subscriptions:    h.source.Subscriptions(),
	}
	log.WithFields(localLogTags).Debugf(
		"Listed %d tracked subscriptions", len(response.Subscriptions),
	)
	h.reply(w, http.StatusOK, &response, restCall, localLogTags)
}

// ListSubscriptionsHandler Wrapper around ListSubscriptions
func (h APIRestStatusHandler) ListSubscriptionsHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.ListSubscriptions(w, r)
	})
}

// =======================================================================

// APIRestRespMonitoredItem one tracked monitored item
type APIRestRespMonitoredItem struct {
	// SubscriptionID ID of the owning subscription
	SubscriptionID uint32 `json:"subscriptionId"`
	// MonitoredItemID server-assigned ID of the monitored item
	MonitoredItemID uint32 `json:"monitoredItemId"`
}

// APIRestRespMonitoredItemList response of the monitored item list query
type APIRestRespMonitoredItemList struct {
	StandardResponse
	// Items the tracked monitored items of the subscription
	Items []APIRestRespMonitoredItem `json:"items"`
}

// ListMonitoredItems godoc
// @Summary List monitored items
// @Description List the monitored items tracked under one subscription
// @tags status,get
// @Produce json
// @Param subscriptionID path int true "subscription ID"
// @Success 200 {object} APIRestRespMonitoredItemList "success"
// @Failure 400 {object} StandardResponse "input error"
// @Failure 500 {object} StandardResponse "error"
// @Router /v1/subscription/{subscriptionID}/item [get]
func (h APIRestStatusHandler) ListMonitoredItems(w http.ResponseWriter, r *http.Request) {
	restCall := "GET /v1/subscription/{subscriptionID}/item"
	localLogTags, err := common.UpdateLogTags(r.Context(), h.LogTags)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Failed to update logtags")
	}
	vars := mux.Vars(r)
	subscriptionID, err := strconv.ParseUint(vars["subscriptionID"], 10, 32)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to parse subscription ID")
		msg := fmt.Sprintf("bad request: %s", err)
		response := getStdRESTErrorMsg(http.StatusBadRequest, &msg)
		h.reply(w, http.StatusBadRequest, &response, restCall, localLogTags)
		return
	}
	items := h.source.MonitoredItems(uint32(subscriptionID))
	response := APIRestRespMonitoredItemList{
		StandardResponse: getStdRESTSuccessMsg(),
		Items:            make([]APIRestRespMonitoredItem, 0, len(items)),
	}
	for _, key := range items {
		response.Items = append(response.Items, APIRestRespMonitoredItem{
			SubscriptionID:  key.SubscriptionID,
			MonitoredItemID: key.MonitoredItemID,
		})
	}
	log.WithFields(localLogTags).Debugf(
		"Listed %d monitored items of subscription %d", len(response.Items), subscriptionID,
	)
	h.reply(w, http.StatusOK, &response, restCall, localLogTags)
}

// ListMonitoredItemsHandler Wrapper around ListMonitoredItems
func (h APIRestStatusHandler) ListMonitoredItemsHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.ListMonitoredItems(w, r)
	})
}

// =======================================================================

// Alive godoc
// @Summary For liveness check
// @Description Will return success to indicate the process is still alive
// @tags status,get
// @Produce json
// @Success 200 {object} StandardResponse "success"
// @Failure 500 {object} StandardResponse "error"
// @Router /alive [get]
func (h APIRestStatusHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags, err := common.UpdateLogTags(r.Context(), h.LogTags)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Failed to update logtags")
	}
	response := getStdRESTSuccessMsg()
	h.reply(w, http.StatusOK, &response, "GET /alive", localLogTags)
}

// AliveHandler Wrapper around Alive
func (h APIRestStatusHandler) AliveHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	})
}

// =======================================================================

// RegisterWithRouter registers the status API endpoints on a router
func (h APIRestStatusHandler) RegisterWithRouter(router *mux.Router) {
	_ = RegisterPathPrefix(router, "/alive", MethodHandlers{
		http.MethodGet: h.AliveHandler(),
	})
	v1Router := RegisterPathPrefix(router, "/v1/subscription", MethodHandlers{
		http.MethodGet: h.ListSubscriptionsHandler(),
	})
	_ = RegisterPathPrefix(v1Router, "/{subscriptionID}/item", MethodHandlers{
		http.MethodGet: h.ListMonitoredItemsHandler(),
	})
}
