package dispatch

import (
	"context"
	"testing"

	"github.com/alwitt/uasub/common"
	"github.com/alwitt/uasub/emulator"
	"github.com/alwitt/uasub/monitor"
	"github.com/alwitt/uasub/registry"
	"github.com/alwitt/uasub/subscription"
	"github.com/apex/log"
	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
)

func testEmulatorLimits() common.EmulatorLimitsConfig {
	return common.EmulatorLimitsConfig{
		MinPublishingIntervalMS: 50,
		MaxPublishingIntervalMS: 3600000,
		MinSamplingIntervalMS:   0,
		MaxQueueSize:            1024,
		MaxKeepAliveCount:       100,
	}
}

// testStack the assembled monitoring core against an emulated server
type testStack struct {
	server       *emulator.ServerEmulator
	itemRegistry registry.MonitoredItemRegistry
	subMgr       subscription.Manager
	itemMgr      monitor.ItemManager
	subID        uint32
}

func defineTestStack(t *testing.T, utCtxt context.Context, testName string) testStack {
	assert := assert.New(t)
	server := emulator.GetServerEmulator(testEmulatorLimits(), testName)
	itemRegistry := registry.GetMonitoredItemRegistry(testName)
	server.RegisterNotificationHandler(GetNotificationDispatcher(itemRegistry, testName))
	subMgr := subscription.GetClientManager(server, itemRegistry, testName)
	itemMgr := monitor.GetClientItemManager(server, itemRegistry, testName)

	params := subscription.DefaultParameters(common.SubscriptionDefaults{
		PublishingIntervalMS: 500, LifetimeCount: 2400, MaxKeepAliveCount: 10,
	})
	handle, err := subMgr.Create(utCtxt, &params)
	assert.Nil(err)

	return testStack{
		server:       server,
		itemRegistry: itemRegistry,
		subMgr:       subMgr,
		itemMgr:      itemMgr,
		subID:        handle.SubscriptionID,
	}
}

func testMonitoringParams() monitor.Parameters {
	return monitor.DefaultParameters(common.MonitoringDefaults{
		SamplingIntervalMS: 250, QueueSize: 10, DiscardOldest: true,
	})
}

func testDataItem(node string) *ua.ReadValueID {
	return &ua.ReadValueID{
		NodeID:      ua.MustParseNodeID(node),
		AttributeID: ua.AttributeIDValue,
	}
}

func TestNotificationDispatcherDataChanges(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	testName := "ut-dispatch-data"

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	stack := defineTestStack(t, utCtxt, testName)
	params := testMonitoringParams()

	reported := []int64{}
	reportingID, err := stack.itemMgr.CreateDataChange(
		utCtxt, stack.subID, testDataItem("ns=2;s=Reporting"), ua.MonitoringModeReporting,
		&params,
		func(subscriptionID, monitoredItemID uint32, value *ua.DataValue) {
			assert.Equal(stack.subID, subscriptionID)
			reported = append(reported, int64(value.Value.Int()))
		},
		nil,
	)
	assert.Nil(err)

	sampled := []int64{}
	samplingParams := testMonitoringParams()
	samplingID, err := stack.itemMgr.CreateDataChange(
		utCtxt, stack.subID, testDataItem("ns=2;s=Sampling"), ua.MonitoringModeSampling,
		&samplingParams,
		func(subscriptionID, monitoredItemID uint32, value *ua.DataValue) {
			sampled = append(sampled, int64(value.Value.Int()))
		},
		nil,
	)
	assert.Nil(err)

	// Case 1: only the Reporting item delivers on the publish cycle
	assert.Nil(stack.server.SetValue("ns=2;s=Reporting", int32(1)))
	assert.Nil(stack.server.SetValue("ns=2;s=Sampling", int32(100)))
	assert.Nil(stack.server.RunIterate(utCtxt))
	assert.Equal([]int64{1}, reported)
	assert.Empty(sampled)

	// Case 2: a triggering link flushes the Sampling item's queue
	_, err = stack.itemMgr.SetTriggering(
		utCtxt, stack.subID, reportingID, []uint32{samplingID}, nil,
	)
	assert.Nil(err)
	assert.Nil(stack.server.SetValue("ns=2;s=Sampling", int32(101)))
	assert.Nil(stack.server.SetValue("ns=2;s=Reporting", int32(2)))
	assert.Nil(stack.server.RunIterate(utCtxt))
	assert.Equal([]int64{1, 2}, reported)
	assert.Equal([]int64{100, 101}, sampled)

	// Case 3: without new trigger activity the Sampling item is quiet again
	assert.Nil(stack.server.SetValue("ns=2;s=Sampling", int32(102)))
	assert.Nil(stack.server.RunIterate(utCtxt))
	assert.Equal([]int64{100, 101}, sampled)

	// Case 4: disabled publishing holds notifications back
	handle := subscription.Handle{SubscriptionID: stack.subID}
	assert.Nil(stack.subMgr.SetPublishingMode(utCtxt, handle, false))
	assert.Nil(stack.server.SetValue("ns=2;s=Reporting", int32(3)))
	assert.Nil(stack.server.RunIterate(utCtxt))
	assert.Equal([]int64{1, 2}, reported)
	// re-enabling releases the queued notification
	assert.Nil(stack.subMgr.SetPublishingMode(utCtxt, handle, true))
	assert.Nil(stack.server.RunIterate(utCtxt))
	assert.Equal([]int64{1, 2, 3}, reported)
}

func TestNotificationDispatcherEvents(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	testName := "ut-dispatch-events"

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	stack := defineTestStack(t, utCtxt, testName)
	params := testMonitoringParams()

	received := [][]*ua.Variant{}
	_, err := stack.itemMgr.CreateEvent(
		utCtxt,
		stack.subID,
		&ua.ReadValueID{
			NodeID:      ua.MustParseNodeID("ns=2;s=Alarms"),
			AttributeID: ua.AttributeIDEventNotifier,
		},
		nil,
		ua.MonitoringModeReporting,
		&params,
		func(subscriptionID, monitoredItemID uint32, eventFields []*ua.Variant) {
			received = append(received, eventFields)
		},
		nil,
	)
	assert.Nil(err)

	// Case 1: event fields arrive intact
	fields := []*ua.Variant{ua.MustVariant("alarm"), ua.MustVariant(int32(42))}
	stack.server.EmitEvent("ns=2;s=Alarms", fields)
	assert.Nil(stack.server.RunIterate(utCtxt))
	assert.Len(received, 1)
	assert.Equal("alarm", received[0][0].String())
	assert.Equal(int64(42), received[0][1].Int())
}

func TestNotificationDispatcherOrphans(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	testName := "ut-dispatch-orphans"

	itemRegistry := registry.GetMonitoredItemRegistry(testName)
	uut := GetNotificationDispatcher(itemRegistry, testName)

	// Case 1: notifications with unknown correlation handles are dropped
	assert.NotPanics(func() {
		uut.HandleDataChange(7, &ua.DataChangeNotification{
			MonitoredItems: []*ua.MonitoredItemNotification{
				{ClientHandle: 987654, Value: &ua.DataValue{}},
				nil,
			},
		})
		uut.HandleEvent(7, &ua.EventNotificationList{
			Events: []*ua.EventFieldList{{ClientHandle: 987654}},
		})
		uut.HandleItemDeleted(7, 12)
	})
}

func TestNotificationDispatcherModifyKeepsCorrelation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	testName := "ut-dispatch-modify"

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	stack := defineTestStack(t, utCtxt, testName)
	params := testMonitoringParams()

	received := []int64{}
	itemID, err := stack.itemMgr.CreateDataChange(
		utCtxt, stack.subID, testDataItem("ns=2;s=Tuned"), ua.MonitoringModeReporting,
		&params,
		func(subscriptionID, monitoredItemID uint32, value *ua.DataValue) {
			received = append(received, int64(value.Value.Int()))
		},
		nil,
	)
	assert.Nil(err)

	// Case 1: baseline delivery before any modify
	assert.Nil(stack.server.SetValue("ns=2;s=Tuned", int32(1)))
	assert.Nil(stack.server.RunIterate(utCtxt))
	assert.Equal([]int64{1}, received)

	// Case 2: a modify restates the correlation handle, so notifications
	// keep resolving to the same registration afterwards
	updated := testMonitoringParams()
	updated.QueueSize = 5
	assert.Nil(stack.itemMgr.Modify(utCtxt, stack.subID, itemID, &updated))
	assert.Nil(stack.server.SetValue("ns=2;s=Tuned", int32(2)))
	assert.Nil(stack.server.RunIterate(utCtxt))
	assert.Equal([]int64{1, 2}, received)
}

func TestNotificationDispatcherDeleteOrdering(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	testName := "ut-dispatch-delete"

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	stack := defineTestStack(t, utCtxt, testName)
	params := testMonitoringParams()

	deleteSeen := false
	itemID, err := stack.itemMgr.CreateDataChange(
		utCtxt, stack.subID, testDataItem("ns=2;s=Doomed"), ua.MonitoringModeReporting,
		&params,
		func(subscriptionID, monitoredItemID uint32, value *ua.DataValue) {},
		func(subscriptionID, monitoredItemID uint32) {
			// the registration must still be visible inside the callback
			_, ok := stack.itemRegistry.Lookup(registry.Key{
				SubscriptionID: subscriptionID, MonitoredItemID: monitoredItemID,
			})
			assert.True(ok)
			deleteSeen = true
		},
	)
	assert.Nil(err)

	// Case 1: delete notifies before unregistering
	assert.Nil(stack.itemMgr.Delete(utCtxt, stack.subID, itemID))
	assert.True(deleteSeen)
	_, ok := stack.itemRegistry.Lookup(registry.Key{
		SubscriptionID: stack.subID, MonitoredItemID: itemID,
	})
	assert.False(ok)
}

func TestNotificationDispatcherPanicIsolation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	testName := "ut-dispatch-panic"

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	stack := defineTestStack(t, utCtxt, testName)
	params := testMonitoringParams()

	_, err := stack.itemMgr.CreateDataChange(
		utCtxt, stack.subID, testDataItem("ns=2;s=Faulty"), ua.MonitoringModeReporting,
		&params,
		func(subscriptionID, monitoredItemID uint32, value *ua.DataValue) {
			panic("callback blew up")
		},
		nil,
	)
	assert.Nil(err)

	healthy := 0
	healthyParams := testMonitoringParams()
	_, err = stack.itemMgr.CreateDataChange(
		utCtxt, stack.subID, testDataItem("ns=2;s=Healthy"), ua.MonitoringModeReporting,
		&healthyParams,
		func(subscriptionID, monitoredItemID uint32, value *ua.DataValue) {
			healthy++
		},
		nil,
	)
	assert.Nil(err)

	// Case 1: a panicking callback does not poison the publish cycle
	assert.Nil(stack.server.SetValue("ns=2;s=Faulty", int32(1)))
	assert.Nil(stack.server.SetValue("ns=2;s=Healthy", int32(1)))
	assert.NotPanics(func() {
		assert.Nil(stack.server.RunIterate(utCtxt))
	})
	assert.Equal(1, healthy)
}
