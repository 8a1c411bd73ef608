package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/uasub/apis"
	"github.com/alwitt/uasub/common"
	"github.com/alwitt/uasub/core"
	"github.com/alwitt/uasub/dispatch"
	"github.com/alwitt/uasub/emulator"
	"github.com/alwitt/uasub/forward"
	"github.com/alwitt/uasub/monitor"
	"github.com/alwitt/uasub/registry"
	"github.com/alwitt/uasub/subscription"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gopcua/opcua/ua"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// WatchCLIArgs arguments of the watch subcommand
type WatchCLIArgs struct {
	StimulusPeriodMS int `validate:"required,gt=0"`
	PublishPeriodMS  int `validate:"required,gt=0"`
}

// GetWatchCLIFlags retreive the set of CMD flags for the watch server
func GetWatchCLIFlags(args *WatchCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "stimulus-period-ms",
			Usage:       "Period of the demo value stimulus in ms",
			Aliases:     []string{"sp"},
			EnvVars:     []string{"STIMULUS_PERIOD_MS"},
			Value:       1000,
			DefaultText: "1000",
			Destination: &args.StimulusPeriodMS,
			Required:    false,
		},
		&cli.IntFlag{
			Name:        "publish-period-ms",
			Usage:       "Period of the publish cycle driving loop in ms",
			Aliases:     []string{"pp"},
			EnvVars:     []string{"PUBLISH_PERIOD_MS"},
			Value:       500,
			DefaultText: "500",
			Destination: &args.PublishPeriodMS,
			Required:    false,
		},
	}
}

// watchStatusCache snapshot of the monitoring state refreshed by the
// driving loop. REST queries read the snapshot, never the live registry.
type watchStatusCache struct {
	lock          sync.RWMutex
	subscriptions []uint32
	items         map[uint32][]registry.Key
}

// refresh replace the snapshot
func (c *watchStatusCache) refresh(subscriptions []uint32, keys []registry.Key) {
	items := map[uint32][]registry.Key{}
	for _, key := range keys {
		items[key.SubscriptionID] = append(items[key.SubscriptionID], key)
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	c.subscriptions = subscriptions
	c.items = items
}

// Subscriptions IDs of the tracked subscriptions
func (c *watchStatusCache) Subscriptions() []uint32 {
	c.lock.RLock()
	defer c.lock.RUnlock()
	result := make([]uint32, len(c.subscriptions))
	copy(result, c.subscriptions)
	return result
}

// MonitoredItems keys of the tracked monitored items of one subscription
func (c *watchStatusCache) MonitoredItems(subscriptionID uint32) []registry.Key {
	c.lock.RLock()
	defer c.lock.RUnlock()
	keys := c.items[subscriptionID]
	result := make([]registry.Key, len(keys))
	copy(result, keys)
	return result
}

// RunWatchServer run the demo watch server: an emulated server fed by a
// periodic stimulus, a subscription with demo monitored items, and the
// status REST API on top
func RunWatchServer(
	runtimeContext context.Context,
	params WatchCLIArgs,
	config *common.SystemConfig,
	instance string,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "watch",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}

	// -------------------------------------------------------------------
	// Assemble the monitoring core

	server := emulator.GetServerEmulator(config.Emulator, instance)
	itemRegistry := registry.GetMonitoredItemRegistry(instance)
	notifyHandler := dispatch.GetNotificationDispatcher(itemRegistry, instance)
	server.RegisterNotificationHandler(notifyHandler)

	subscriptionMgr := subscription.GetClientManager(server, itemRegistry, instance)
	itemMgr := monitor.GetClientItemManager(server, itemRegistry, instance)

	// -------------------------------------------------------------------
	// Select the notification sinks

	var dataChangeCB core.DataChangeCallback = func(
		subscriptionID, monitoredItemID uint32, value *ua.DataValue,
	) {
		log.WithFields(logTags).Infof(
			"MON[%d/%d] data change %v", subscriptionID, monitoredItemID, value.Value.Value(),
		)
	}
	var eventCB core.EventCallback = func(
		subscriptionID, monitoredItemID uint32, eventFields []*ua.Variant,
	) {
		log.WithFields(logTags).Infof(
			"MON[%d/%d] event with %d fields", subscriptionID, monitoredItemID, len(eventFields),
		)
	}
	if config.Forwarder != nil {
		natsClient, err := forward.GetNATSClient(forward.NATSConnectParam{
			ServerURI:           config.Forwarder.ServerURI,
			ConnectTimeout:      time.Second * time.Duration(config.Forwarder.ConnectTimeout),
			MaxReconnectAttempt: config.Forwarder.Reconnect.MaxAttempts,
			ReconnectWait:       time.Second * time.Duration(config.Forwarder.Reconnect.WaitInterval),
		})
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define NATS client with %s", config.Forwarder.ServerURI,
			)
			return err
		}
		defer natsClient.Close()
		forwarder, err := forward.GetForwarder(
			natsClient, config.Forwarder.SubjectRoot, instance,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define forwarder")
			return err
		}
		dataChangeCB = forwarder.DataChangeCallback()
		eventCB = forwarder.EventCallback()
	}

	// -------------------------------------------------------------------
	// Create the demo subscription and monitored items

	subscriptionParams := subscription.DefaultParameters(config.Monitor.Subscription)
	subHandle, err := subscriptionMgr.Create(runtimeContext, &subscriptionParams)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to create subscription")
		return err
	}

	monitoringParams := monitor.DefaultParameters(config.Monitor.Monitoring)
	counterID, err := itemMgr.CreateDataChange(
		runtimeContext,
		subHandle.SubscriptionID,
		&ua.ReadValueID{
			NodeID:      ua.MustParseNodeID("ns=2;s=Demo.Counter"),
			AttributeID: ua.AttributeIDValue,
		},
		ua.MonitoringModeReporting,
		&monitoringParams,
		dataChangeCB,
		nil,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to monitor demo counter")
		return err
	}

	// The pressure item only flushes when the counter triggers it
	pressureParams := monitor.DefaultParameters(config.Monitor.Monitoring)
	pressureID, err := itemMgr.CreateDataChange(
		runtimeContext,
		subHandle.SubscriptionID,
		&ua.ReadValueID{
			NodeID:      ua.MustParseNodeID("ns=2;s=Demo.Pressure"),
			AttributeID: ua.AttributeIDValue,
		},
		ua.MonitoringModeSampling,
		&pressureParams,
		dataChangeCB,
		nil,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to monitor demo pressure")
		return err
	}
	if _, err := itemMgr.SetTriggering(
		runtimeContext, subHandle.SubscriptionID, counterID, []uint32{pressureID}, nil,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to link demo items")
		return err
	}

	eventParams := monitor.DefaultParameters(config.Monitor.Monitoring)
	if _, err := itemMgr.CreateEvent(
		runtimeContext,
		subHandle.SubscriptionID,
		&ua.ReadValueID{
			NodeID:      ua.MustParseNodeID("ns=2;s=Demo.Alarms"),
			AttributeID: ua.AttributeIDEventNotifier,
		},
		nil,
		ua.MonitoringModeReporting,
		&eventParams,
		eventCB,
		nil,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to monitor demo alarms")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	statusCache := &watchStatusCache{items: map[uint32][]registry.Key{}}
	statusCache.refresh(subscriptionMgr.Subscriptions(), itemRegistry.MonitoredItems())

	httpHandler, err := apis.GetAPIRestStatusHandler(statusCache, config.Status)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Status.PathPrefix, nil)
	httpHandler.RegisterWithRouter(mainRouter)
	router.Handle("/metrics", promhttp.Handler())

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverListen := fmt.Sprintf("%s:%d", config.Status.ListenOn, config.Status.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(config.Status.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.Status.ReadTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// -------------------------------------------------------------------
	// Feed the demo stimulus

	stimulusDone := make(chan bool, 1)
	go func() {
		defer func() { stimulusDone <- true }()
		ticker := time.NewTicker(time.Millisecond * time.Duration(params.StimulusPeriodMS))
		defer ticker.Stop()
		counter := 0
		for {
			select {
			case <-runtimeContext.Done():
				return
			case <-ticker.C:
				counter++
				if err := server.SetValue("ns=2;s=Demo.Counter", int32(counter)); err != nil {
					log.WithError(err).WithFields(logTags).Error("Counter stimulus failed")
				}
				if err := server.SetValue("ns=2;s=Demo.Pressure", float64(counter)*1.5); err != nil {
					log.WithError(err).WithFields(logTags).Error("Pressure stimulus failed")
				}
				if counter%5 == 0 {
					server.EmitEvent("ns=2;s=Demo.Alarms", []*ua.Variant{
						ua.MustVariant("pressure threshold crossed"),
						ua.MustVariant(int32(counter)),
					})
				}
			}
		}
	}()

	// -------------------------------------------------------------------
	// Drive the publish cycle

	publishTicker := time.NewTicker(time.Millisecond * time.Duration(params.PublishPeriodMS))
	defer publishTicker.Stop()

	runLoop := true
	for runLoop {
		select {
		case <-runtimeContext.Done():
			runLoop = false
		case <-publishTicker.C:
			if err := server.RunIterate(runtimeContext); err != nil {
				log.WithError(err).WithFields(logTags).Error("Publish cycle failure")
			}
			statusCache.refresh(subscriptionMgr.Subscriptions(), itemRegistry.MonitoredItems())
		}
	}
	<-stimulusDone

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
