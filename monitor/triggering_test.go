package monitor

import (
	"context"
	"testing"

	"github.com/alwitt/uasub/common"
	"github.com/alwitt/uasub/emulator"
	"github.com/alwitt/uasub/registry"
	"github.com/apex/log"
	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
)

func TestClientItemManagerTriggering(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	testName := "ut-item-triggering"

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	server := emulator.GetServerEmulator(testEmulatorLimits(), testName)
	itemRegistry := registry.GetMonitoredItemRegistry(testName)
	uut := GetClientItemManager(server, itemRegistry, testName)
	subID := testSubscription(t, utCtxt, server)

	noopCB := func(subscriptionID, monitoredItemID uint32, value *ua.DataValue) {}
	params := Parameters{
		SamplingInterval: 250,
		QueueSize:        10,
		DiscardOldest:    true,
		Timestamps:       ua.TimestampsToReturnBoth,
	}
	triggerID, err := uut.CreateDataChange(
		utCtxt, subID, testDataItem("ns=2;s=Trigger"), ua.MonitoringModeReporting,
		&params, noopCB, nil,
	)
	assert.Nil(err)
	linkedID, err := uut.CreateDataChange(
		utCtxt, subID, testDataItem("ns=2;s=Linked"), ua.MonitoringModeSampling,
		&params, noopCB, nil,
	)
	assert.Nil(err)

	// Case 1: all links valid
	result, err := uut.SetTriggering(utCtxt, subID, triggerID, []uint32{linkedID}, nil)
	assert.Nil(err)
	assert.Len(result.AddResults, 1)
	assert.Equal(linkedID, result.AddResults[0].MonitoredItemID)
	assert.Equal(ua.StatusOK, result.AddResults[0].Status)
	assert.Empty(result.RemoveResults)

	// Case 2: mixed outcome still reports every link
	result, err = uut.SetTriggering(
		utCtxt, subID, triggerID, []uint32{linkedID, 9999}, nil,
	)
	assert.NotNil(err)
	assert.True(common.ErrorIsStatus(err, ua.StatusBadMonitoredItemIDInvalid))
	assert.Len(result.AddResults, 2)
	assert.Equal(ua.StatusOK, result.AddResults[0].Status)
	assert.Equal(ua.StatusBadMonitoredItemIDInvalid, result.AddResults[1].Status)

	// Case 3: removing a known and an unknown link
	result, err = uut.SetTriggering(
		utCtxt, subID, triggerID, nil, []uint32{linkedID, 9999},
	)
	assert.NotNil(err)
	assert.Len(result.RemoveResults, 2)
	assert.Equal(ua.StatusOK, result.RemoveResults[0].Status)
	assert.Equal(ua.StatusBadMonitoredItemIDInvalid, result.RemoveResults[1].Status)

	// Case 4: unknown triggering item rejects the whole call
	_, err = uut.SetTriggering(utCtxt, subID, 9999, []uint32{linkedID}, nil)
	assert.NotNil(err)
	assert.True(common.ErrorIsStatus(err, ua.StatusBadMonitoredItemIDInvalid))

	// Case 5: unknown subscription rejects the whole call
	_, err = uut.SetTriggering(utCtxt, 9999, triggerID, []uint32{linkedID}, nil)
	assert.NotNil(err)
	assert.True(common.ErrorIsStatus(err, ua.StatusBadSubscriptionIDInvalid))
}
