package emulator

import (
	"context"
	"testing"

	"github.com/alwitt/uasub/common"
	"github.com/apex/log"
	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
)

func testLimits() common.EmulatorLimitsConfig {
	return common.EmulatorLimitsConfig{
		MinPublishingIntervalMS: 50,
		MaxPublishingIntervalMS: 10000,
		MinSamplingIntervalMS:   10,
		MaxQueueSize:            4,
		MaxKeepAliveCount:       20,
	}
}

// recordingHandler captures raw notifications for verification
type recordingHandler struct {
	dataChanges []*ua.MonitoredItemNotification
	events      []*ua.EventFieldList
	deleted     [][2]uint32
}

func (h *recordingHandler) HandleDataChange(
	subscriptionID uint32, notification *ua.DataChangeNotification,
) {
	h.dataChanges = append(h.dataChanges, notification.MonitoredItems...)
}

func (h *recordingHandler) HandleEvent(
	subscriptionID uint32, notification *ua.EventNotificationList,
) {
	h.events = append(h.events, notification.Events...)
}

func (h *recordingHandler) HandleItemDeleted(subscriptionID, monitoredItemID uint32) {
	h.deleted = append(h.deleted, [2]uint32{subscriptionID, monitoredItemID})
}

func testCreateItem(node string, clientHandle, queueSize uint32) *ua.MonitoredItemCreateRequest {
	return &ua.MonitoredItemCreateRequest{
		ItemToMonitor: &ua.ReadValueID{
			NodeID:      ua.MustParseNodeID(node),
			AttributeID: ua.AttributeIDValue,
		},
		MonitoringMode: ua.MonitoringModeReporting,
		RequestedParameters: &ua.MonitoringParameters{
			ClientHandle:     clientHandle,
			SamplingInterval: 100,
			QueueSize:        queueSize,
			DiscardOldest:    true,
		},
	}
}

func TestEmulatorParameterRevision(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := GetServerEmulator(testLimits(), "ut-emu-revision")

	// Case 1: out-of-range subscription parameters are revised, not rejected
	response, err := uut.CreateSubscription(utCtxt, &ua.CreateSubscriptionRequest{
		RequestedPublishingInterval: 1,
		RequestedLifetimeCount:      1,
		RequestedMaxKeepAliveCount:  500,
		PublishingEnabled:           true,
	})
	assert.Nil(err)
	assert.Equal(ua.StatusOK, response.ResponseHeader.ServiceResult)
	assert.Equal(float64(50), response.RevisedPublishingInterval)
	assert.Equal(uint32(20), response.RevisedMaxKeepAliveCount)
	assert.Equal(uint32(60), response.RevisedLifetimeCount)
	subID := response.SubscriptionID

	// Case 2: monitored item revision clamps sampling interval and queue
	createResp, err := uut.CreateMonitoredItems(utCtxt, &ua.CreateMonitoredItemsRequest{
		SubscriptionID: subID,
		ItemsToCreate: []*ua.MonitoredItemCreateRequest{
			{
				ItemToMonitor: &ua.ReadValueID{
					NodeID:      ua.MustParseNodeID("ns=2;s=N"),
					AttributeID: ua.AttributeIDValue,
				},
				MonitoringMode: ua.MonitoringModeReporting,
				RequestedParameters: &ua.MonitoringParameters{
					ClientHandle:     1,
					SamplingInterval: -1,
					QueueSize:        0,
					DiscardOldest:    true,
				},
			},
		},
	})
	assert.Nil(err)
	assert.Equal(ua.StatusOK, createResp.ResponseHeader.ServiceResult)
	assert.Len(createResp.Results, 1)
	result := createResp.Results[0]
	assert.Equal(ua.StatusOK, result.StatusCode)
	// -1 resolves to the revised publishing interval
	assert.Equal(float64(50), result.RevisedSamplingInterval)
	assert.Equal(uint32(1), result.RevisedQueueSize)
	// a requested 0 is raised to the server's minimum sampling interval
	fastestResp, err := uut.CreateMonitoredItems(utCtxt, &ua.CreateMonitoredItemsRequest{
		SubscriptionID: subID,
		ItemsToCreate: []*ua.MonitoredItemCreateRequest{
			{
				ItemToMonitor: &ua.ReadValueID{
					NodeID:      ua.MustParseNodeID("ns=2;s=N2"),
					AttributeID: ua.AttributeIDValue,
				},
				MonitoringMode: ua.MonitoringModeReporting,
				RequestedParameters: &ua.MonitoringParameters{
					ClientHandle:     3,
					SamplingInterval: 0,
					QueueSize:        1,
					DiscardOldest:    true,
				},
			},
		},
	})
	assert.Nil(err)
	assert.Equal(ua.StatusOK, fastestResp.Results[0].StatusCode)
	assert.Equal(float64(10), fastestResp.Results[0].RevisedSamplingInterval)

	// Case 3: event items need a decodable filter
	eventResp, err := uut.CreateMonitoredItems(utCtxt, &ua.CreateMonitoredItemsRequest{
		SubscriptionID: subID,
		ItemsToCreate: []*ua.MonitoredItemCreateRequest{
			{
				ItemToMonitor: &ua.ReadValueID{
					NodeID:      ua.MustParseNodeID("ns=2;s=E"),
					AttributeID: ua.AttributeIDEventNotifier,
				},
				MonitoringMode: ua.MonitoringModeReporting,
				RequestedParameters: &ua.MonitoringParameters{
					ClientHandle: 2,
					QueueSize:    1,
				},
			},
		},
	})
	assert.Nil(err)
	assert.Equal(ua.StatusBadMonitoredItemFilterInvalid, eventResp.Results[0].StatusCode)

	// Case 4: empty create batch is rejected
	emptyResp, err := uut.CreateMonitoredItems(utCtxt, &ua.CreateMonitoredItemsRequest{
		SubscriptionID: subID,
	})
	assert.Nil(err)
	assert.Equal(ua.StatusBadNothingToDo, emptyResp.ResponseHeader.ServiceResult)
}

func TestEmulatorQueueDiscipline(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := GetServerEmulator(testLimits(), "ut-emu-queues")
	handler := &recordingHandler{}
	uut.RegisterNotificationHandler(handler)

	response, err := uut.CreateSubscription(utCtxt, &ua.CreateSubscriptionRequest{
		RequestedPublishingInterval: 100,
		RequestedLifetimeCount:      60,
		RequestedMaxKeepAliveCount:  10,
		PublishingEnabled:           true,
	})
	assert.Nil(err)
	subID := response.SubscriptionID

	createResp, err := uut.CreateMonitoredItems(utCtxt, &ua.CreateMonitoredItemsRequest{
		SubscriptionID: subID,
		ItemsToCreate: []*ua.MonitoredItemCreateRequest{
			testCreateItem("ns=2;s=Q", 11, 2),
		},
	})
	assert.Nil(err)
	itemID := createResp.Results[0].MonitoredItemID

	// Case 1: overflow drops the oldest sample
	for idx := 1; idx <= 3; idx++ {
		assert.Nil(uut.SetValue("ns=2;s=Q", int32(idx)))
	}
	assert.Nil(uut.RunIterate(utCtxt))
	assert.Len(handler.dataChanges, 2)
	assert.Equal(int64(2), handler.dataChanges[0].Value.Value.Int())
	assert.Equal(int64(3), handler.dataChanges[1].Value.Value.Int())
	assert.Equal(uint32(11), handler.dataChanges[0].ClientHandle)

	// Case 2: disabling the item discards its queue
	assert.Nil(uut.SetValue("ns=2;s=Q", int32(4)))
	modeResp, err := uut.SetMonitoringMode(utCtxt, &ua.SetMonitoringModeRequest{
		SubscriptionID:   subID,
		MonitoringMode:   ua.MonitoringModeDisabled,
		MonitoredItemIDs: []uint32{itemID},
	})
	assert.Nil(err)
	assert.Equal(ua.StatusOK, modeResp.Results[0])
	handler.dataChanges = nil
	assert.Nil(uut.RunIterate(utCtxt))
	assert.Empty(handler.dataChanges)
	// a disabled item does not sample either
	assert.Nil(uut.SetValue("ns=2;s=Q", int32(5)))
	assert.Nil(uut.RunIterate(utCtxt))
	assert.Empty(handler.dataChanges)

	// Case 3: deleting the subscription acknowledges every owned item
	deleteResp, err := uut.DeleteSubscriptions(utCtxt, &ua.DeleteSubscriptionsRequest{
		SubscriptionIDs: []uint32{subID},
	})
	assert.Nil(err)
	assert.Equal(ua.StatusOK, deleteResp.Results[0])
	assert.Equal([][2]uint32{{subID, itemID}}, handler.deleted)
	// the implicit server subscription is not deletable
	deleteResp, err = uut.DeleteSubscriptions(utCtxt, &ua.DeleteSubscriptionsRequest{
		SubscriptionIDs: []uint32{0},
	})
	assert.Nil(err)
	assert.Equal(ua.StatusBadSubscriptionIDInvalid, deleteResp.Results[0])
}

func TestEmulatorModifyReplacesHandle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := GetServerEmulator(testLimits(), "ut-emu-modify-handle")
	handler := &recordingHandler{}
	uut.RegisterNotificationHandler(handler)

	response, err := uut.CreateSubscription(utCtxt, &ua.CreateSubscriptionRequest{
		RequestedPublishingInterval: 100,
		RequestedLifetimeCount:      60,
		RequestedMaxKeepAliveCount:  10,
		PublishingEnabled:           true,
	})
	assert.Nil(err)
	subID := response.SubscriptionID

	createResp, err := uut.CreateMonitoredItems(utCtxt, &ua.CreateMonitoredItemsRequest{
		SubscriptionID: subID,
		ItemsToCreate: []*ua.MonitoredItemCreateRequest{
			testCreateItem("ns=2;s=H", 31, 2),
		},
	})
	assert.Nil(err)
	itemID := createResp.Results[0].MonitoredItemID

	// Case 1: the handle carried by a modify replaces the item's handle
	modifyResp, err := uut.ModifyMonitoredItems(utCtxt, &ua.ModifyMonitoredItemsRequest{
		SubscriptionID: subID,
		ItemsToModify: []*ua.MonitoredItemModifyRequest{
			{
				MonitoredItemID: itemID,
				RequestedParameters: &ua.MonitoringParameters{
					ClientHandle:     77,
					SamplingInterval: 100,
					QueueSize:        2,
					DiscardOldest:    true,
				},
			},
		},
	})
	assert.Nil(err)
	assert.Equal(ua.StatusOK, modifyResp.Results[0].StatusCode)
	assert.Nil(uut.SetValue("ns=2;s=H", int32(1)))
	assert.Nil(uut.RunIterate(utCtxt))
	assert.Len(handler.dataChanges, 1)
	assert.Equal(uint32(77), handler.dataChanges[0].ClientHandle)
}

func TestEmulatorPublishCap(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := GetServerEmulator(testLimits(), "ut-emu-cap")
	handler := &recordingHandler{}
	uut.RegisterNotificationHandler(handler)

	response, err := uut.CreateSubscription(utCtxt, &ua.CreateSubscriptionRequest{
		RequestedPublishingInterval: 100,
		RequestedLifetimeCount:      60,
		RequestedMaxKeepAliveCount:  10,
		MaxNotificationsPerPublish:  2,
		PublishingEnabled:           true,
	})
	assert.Nil(err)
	subID := response.SubscriptionID

	_, err = uut.CreateMonitoredItems(utCtxt, &ua.CreateMonitoredItemsRequest{
		SubscriptionID: subID,
		ItemsToCreate: []*ua.MonitoredItemCreateRequest{
			testCreateItem("ns=2;s=C", 21, 4),
		},
	})
	assert.Nil(err)

	// Case 1: the per-publish cap carries the excess over to the next cycle
	for idx := 1; idx <= 3; idx++ {
		assert.Nil(uut.SetValue("ns=2;s=C", int32(idx)))
	}
	assert.Nil(uut.RunIterate(utCtxt))
	assert.Len(handler.dataChanges, 2)
	assert.Nil(uut.RunIterate(utCtxt))
	assert.Len(handler.dataChanges, 3)
	assert.Equal(int64(3), handler.dataChanges[2].Value.Value.Int())
}
